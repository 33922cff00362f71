package errs

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestKindOf_Wrapped(t *testing.T) {
	base := Wrap(KindCrypto, "decrypt", "authentication failed", io.ErrUnexpectedEOF)
	wrapped := fmt.Errorf("decode reply: %w", base)

	if !IsKind(wrapped, KindCrypto) {
		t.Fatalf("expected KindCrypto, got %q", KindOf(wrapped))
	}
	if !errors.Is(wrapped, io.ErrUnexpectedEOF) {
		t.Fatalf("expected cause to be reachable through Unwrap")
	}
	if IsKind(wrapped, KindData) {
		t.Fatalf("did not expect KindData")
	}
}

func TestKindOf_PlainError(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != "" {
		t.Fatalf("KindOf(plain) = %q, want empty", got)
	}
	if got := KindOf(nil); got != "" {
		t.Fatalf("KindOf(nil) = %q, want empty", got)
	}
}

func TestError_Message(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"op and message", New(KindData, "normalize", "empty series"), "normalize: data error: empty series"},
		{"no op", New(KindServerFault, "", "oom"), "server-fault error: oom"},
		{"cause only", Wrap(KindNetwork, "submit", "", io.EOF), "submit: network error: EOF"},
		{"message and cause", Wrap(KindFileSystem, "mkdir", "temp dir", io.EOF), "mkdir: filesystem error: temp dir: EOF"},
		{"formatted", Newf(KindData, "decode", "got %d volumes", 4), "decode: data error: got 4 volumes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWrap_NilCause(t *testing.T) {
	err := Wrap(KindConfig, "load", "missing host", nil)
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if e.Cause != nil {
		t.Fatalf("expected nil cause")
	}
}
