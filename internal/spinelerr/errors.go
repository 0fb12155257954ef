// Package spinelerr defines the error-kind taxonomy from spec §7 and the
// RESP-style formatting clients see for each kind.
package spinelerr

import "fmt"

// Kind enumerates the error kinds named in spec §7. It is not a Go error by
// itself; Error wraps a Kind with the client-facing message.
type Kind int

const (
	WrongType Kind = iota
	WrongArgumentCount
	SyntaxError
	NotAnInteger
	OutOfRange
	KeyNotFound
	InvalidState
	InvalidPassword
	NoPermission
	AuthRequired
	ReadOnly
	MaxMemoryReached
	CrossSlot
	Moved
	Ask
	ClusterDown
	ReplicationError
	AofError
	HTTPClientError
	IOError
	Internal
)

func (k Kind) String() string {
	switch k {
	case WrongType:
		return "WRONGTYPE"
	case WrongArgumentCount:
		return "ERR"
	case SyntaxError:
		return "ERR"
	case NotAnInteger:
		return "ERR"
	case OutOfRange:
		return "ERR"
	case KeyNotFound:
		return "ERR"
	case InvalidState:
		return "ERR"
	case InvalidPassword:
		return "WRONGPASS"
	case NoPermission:
		return "NOPERM"
	case AuthRequired:
		return "NOAUTH"
	case ReadOnly:
		return "READONLY"
	case MaxMemoryReached:
		return "OOM"
	case CrossSlot:
		return "CROSSSLOT"
	case Moved:
		return "MOVED"
	case Ask:
		return "ASK"
	case ClusterDown:
		return "CLUSTERDOWN"
	case ReplicationError:
		return "REPLICATIONERR"
	case AofError:
		return "AOFERR"
	case HTTPClientError:
		return "HTTPERR"
	case IOError:
		return "IOERR"
	default:
		return "ERR"
	}
}

// Error is the concrete error type propagated from the core to the
// connection layer. It deliberately carries no client/session reference so
// it can be constructed deep inside storage/executor code with no import
// cycle back to the server package.
type Error struct {
	Kind Kind
	Msg  string

	// Redirect fields, populated only for Moved/Ask.
	Slot int
	Addr string

	Wrapped error
}

func (e *Error) Error() string {
	switch e.Kind {
	case Moved:
		return fmt.Sprintf("MOVED %d %s", e.Slot, e.Addr)
	case Ask:
		return fmt.Sprintf("ASK %d %s", e.Slot, e.Addr)
	default:
		if e.Msg == "" {
			return e.Kind.String()
		}
		return fmt.Sprintf("%s %s", e.Kind.String(), e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Wrapped }

// New builds a plain Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind to an underlying error, preserving it for errors.Is/As.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: err.Error(), Wrapped: err}
}

// MovedErr builds the MOVED redirect error for cluster mode.
func MovedErr(slot int, addr string) *Error {
	return &Error{Kind: Moved, Slot: slot, Addr: addr}
}

// AskErr builds the ASK redirect error for cluster mode.
func AskErr(slot int, addr string) *Error {
	return &Error{Kind: Ask, Slot: slot, Addr: addr}
}

// Is lets callers write `errors.Is(err, spinelerr.KeyNotFound)`-shaped
// comparisons against a target built with New/Wrap of the same Kind by
// comparing only the Kind field, ignoring message and wrapped error.
func Is(err error, kind Kind) bool {
	se, ok := err.(*Error)
	if !ok {
		return false
	}
	return se.Kind == kind
}
