package acorn

import (
	"errors"
	"testing"
)

func TestCorruptedErrorMatchesSentinelViaIs(t *testing.T) {
	err := &CorruptedError{Location: 128, StoredCRC: 0xdead, ComputedCRC: 0xbeef, What: "record"}
	if !errors.Is(err, ErrCorrupted) {
		t.Error("CorruptedError should satisfy errors.Is(err, ErrCorrupted)")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("CorruptedError should not match an unrelated sentinel")
	}
}

func TestPipelineErrorUnwrapsToCause(t *testing.T) {
	cause := errors.New("boom")
	err := &PipelineError{RootName: "compress", Op: "stash", Cause: cause}
	if !errors.Is(err, cause) {
		t.Error("PipelineError should unwrap to its Cause")
	}
}

func TestOpString(t *testing.T) {
	if OpWrite.String() != "write" {
		t.Errorf("got %q, want write", OpWrite.String())
	}
	if OpRead.String() != "read" {
		t.Errorf("got %q, want read", OpRead.String())
	}
}
