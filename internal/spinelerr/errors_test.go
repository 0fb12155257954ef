package spinelerr

import (
	"errors"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	cases := []struct {
		err  *Error
		want string
	}{
		{New(WrongType, "Operation against a key holding the wrong kind of value"), "WRONGTYPE Operation against a key holding the wrong kind of value"},
		{MovedErr(1337, "10.0.0.1:6380"), "MOVED 1337 10.0.0.1:6380"},
		{AskErr(42, "10.0.0.2:6380"), "ASK 42 10.0.0.2:6380"},
		{New(ClusterDown, "quorum lost"), "CLUSTERDOWN quorum lost"},
	}
	for _, c := range cases {
		if got := c.err.Error(); got != c.want {
			t.Errorf("Error() = %q, want %q", got, c.want)
		}
	}
}

func TestWrapPreservesUnderlying(t *testing.T) {
	base := errors.New("disk full")
	wrapped := Wrap(AofError, base)
	if !errors.Is(wrapped, base) {
		t.Errorf("expected wrapped error to unwrap to base")
	}
	if !Is(wrapped, AofError) {
		t.Errorf("expected Is(wrapped, AofError) to be true")
	}
}
