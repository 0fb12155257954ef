// Package wire defines the contract between the core and the wire codec
// collaborator spec §1 and §6 name as out of scope: "the wire codec
// framing itself" and "individual command parsers". The core never
// encodes/decodes RESP itself; it depends only on this seam so the AOF
// writer and the replication backlog can both work in terms of opaque,
// already-framed byte sequences plus a
// narrow Encode/Decode contract for the one place the core must turn a
// live Command back into bytes (propagation to AOF/replicas).
package wire

import (
	"io"

	"github.com/spineldb/spineldb/internal/executor"
)

// Frame is one already wire-framed request, as spec §6 describes it:
// "length-prefixed array of bulk strings for requests". The core treats
// this as an opaque byte slice it stores, streams, and replays verbatim.
type Frame []byte

// Encoder turns a live Command back into its wire Frame, used when
// propagating a just-executed command to the append log and to the
// replication backlog (spec §4.7, §4.10). The concrete implementation is
// supplied by the codec collaborator.
type Encoder interface {
	Encode(cmd executor.Command) (Frame, error)
}

// Decoder parses Frames back into Commands, used by the AOF loader (spec
// §4.7 "Loader") and the replica worker applying a streamed update (spec
// §4.12). Reader-based so the caller can hand back a raw socket mid-stream
// for binary bulk-string body passthrough (spec §6).
type Decoder interface {
	// Decode reads exactly one frame from r, returning the parsed Command
	// (nil for non-command control frames such as a bare SELECT the
	// decoder handles internally) and the frame's raw bytes for AOF
	// passthrough. Returns io.EOF when r is exhausted at a frame boundary.
	Decode(r io.Reader) (cmd executor.Command, raw Frame, err error)
}

// ErrShortFrame is the error a Decoder returns when r ends partway through
// a frame; the AOF loader checks for it to stop at a truncated trailing
// frame.
var (
	ErrShortFrame = shortFrameError{}
)

type shortFrameError struct{}

func (shortFrameError) Error() string { return "wire: truncated frame" }
