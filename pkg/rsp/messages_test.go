package rsp

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/seclane/m2mrsp/pkg/isdp"
)

func TestErrorMessageMapping(t *testing.T) {
	tests := []struct {
		err     error
		message string
	}{
		{ErrInsufficientMemory, "Not enough memory"},
		{isdp.ErrNotFound, "ISD-P not found"},
		{ErrProfileNotFound, "Profile not found"},
		{ErrInvalidSession, "Invalid session ID"},
		{ErrSessionExpired, "Session expired"},
		{ErrSignatureVerification, "Invalid signature"},
		{ErrMACVerification, "MAC verification failed"},
		{ErrIntegrityCheck, "Profile integrity check failed"},
		{ErrPSKNotEstablished, "No PSK established"},
		{ErrEUICCNotRegistered, "eUICC not registered"},
	}

	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			if got := errorMessage(tt.err); got != tt.message {
				t.Errorf("errorMessage(%v) = %q, want %q", tt.err, got, tt.message)
			}
			// The wire message must map back to the sentinel it came
			// from, so errors.Is holds across a routed exchange.
			if mapped := messageError(tt.message); !errors.Is(mapped, tt.err) {
				t.Errorf("messageError(%q) = %v, want %v", tt.message, mapped, tt.err)
			}
		})
	}
}

func TestErrorMessagePassthrough(t *testing.T) {
	err := errors.New("rsp: something else")
	if got := errorMessage(err); got != "rsp: something else" {
		t.Errorf("unmapped error passthrough: got %q", got)
	}
	if messageError("no such wire message") != nil {
		t.Error("unknown wire messages must not map to a sentinel")
	}
}

func TestErrorMessageWireError(t *testing.T) {
	err := &wireError{"Missing eUICC ID"}
	if got := errorMessage(err); got != "Missing eUICC ID" {
		t.Errorf("wireError message: got %q", got)
	}
}

func TestDecodeReply(t *testing.T) {
	t.Run("ok reply", func(t *testing.T) {
		body, _ := json.Marshal(&CreateISDPResponse{Status: StatusOK, ISDPAID: "A0000005591010AABBCCDD"})
		var out CreateISDPResponse
		if err := decodeReply(body, &out); err != nil {
			t.Fatalf("decodeReply failed: %v", err)
		}
		if out.ISDPAID != "A0000005591010AABBCCDD" {
			t.Errorf("unexpected AID %q", out.ISDPAID)
		}
	})

	t.Run("error reply carries sentinel", func(t *testing.T) {
		body := marshalError(ErrInsufficientMemory)
		err := decodeReply(body, nil)
		if err == nil {
			t.Fatal("expected an error")
		}
		var remote *RemoteError
		if !errors.As(err, &remote) {
			t.Fatalf("expected RemoteError, got %T", err)
		}
		if remote.Message != "Not enough memory" {
			t.Errorf("wire message %q", remote.Message)
		}
		if !errors.Is(err, ErrInsufficientMemory) {
			t.Error("sentinel lost across the wire")
		}
	})

	t.Run("malformed reply", func(t *testing.T) {
		if err := decodeReply([]byte("not json"), nil); err == nil {
			t.Fatal("expected an error")
		}
	})
}
