package errors

import (
	"errors"
	"strings"
	"testing"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"ErrNotFound", ErrNotFound, "protostream: not found"},
		{"ErrInvalidArgument", ErrInvalidArgument, "protostream: invalid argument"},
		{"ErrInvalidOperation", ErrInvalidOperation, "protostream: invalid operation"},
		{"ErrStreamTimeout", ErrStreamTimeout, "protostream: stream idle timeout"},
		{"ErrTransportClosed", ErrTransportClosed, "protostream: transport closed"},
		{"ErrConfigRequired", ErrConfigRequired, "protostream: configuration is required"},
		{"ErrLoggerRequired", ErrLoggerRequired, "protostream: logger is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestKindHelpersWrapSentinels(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
		detail   string
	}{
		{"not found", NotFound("no handler for %s", "Req"), ErrNotFound, "no handler for Req"},
		{"invalid argument", InvalidArgument("bad key %d", 3), ErrInvalidArgument, "bad key 3"},
		{"invalid operation", InvalidOperation("middleware not in pipeline"), ErrInvalidOperation, "middleware not in pipeline"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.sentinel) {
				t.Fatalf("expected %v to match %v", tt.err, tt.sentinel)
			}
			if !strings.HasSuffix(tt.err.Error(), tt.detail) {
				t.Fatalf("expected detail %q in %q", tt.detail, tt.err.Error())
			}
		})
	}
}

func TestConfigValidationError(t *testing.T) {
	inner := errors.New("invalid port")
	err := ConfigValidationError{Err: inner}

	want := "protostream: invalid configuration: invalid port"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, inner) {
		t.Error("expected errors.Is to see the wrapped error")
	}
	if !errors.Is(err, ErrConfigInvalid) {
		t.Error("expected errors.Is to match ErrConfigInvalid")
	}
}

func TestRemoteErrorMessage(t *testing.T) {
	err := &RemoteError{Message: "boom"}
	if got := err.Error(); got != "protostream: remote stream failed: boom" {
		t.Fatalf("unexpected message %q", got)
	}

	err.CorrelationID = "01HX"
	if !strings.Contains(err.Error(), "correlation 01HX") {
		t.Fatalf("expected correlation id in %q", err.Error())
	}
}
