package rpc

import (
	"strings"
	"testing"
)

func TestVersionCompatibility(t *testing.T) {
	tests := []struct {
		name          string
		serverVersion string
		clientVersion string
		shouldWork    bool
		errContains   string
	}{
		{"exact match", "0.3.0", "0.3.0", true, ""},
		{"client older minor", "0.3.0", "0.2.4", true, ""},
		{"client older patch", "0.3.2", "0.3.1", true, ""},
		{"missing client version", "0.3.0", "", true, ""},
		{"v prefix", "v0.3.0", "0.3.0", true, ""},
		{"dev build", "dev", "0.3.0", true, ""},
		{"server older patch", "0.3.0", "0.3.1", false, "older than client"},
		{"server older minor", "0.3.0", "0.4.0", false, "older than client"},
		{"client newer major", "0.3.0", "1.0.0", false, "Server is older"},
		{"client older major", "2.0.0", "1.9.0", false, "Client is older"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkVersionCompatibility(tt.serverVersion, tt.clientVersion)
			if tt.shouldWork {
				if err != nil {
					t.Errorf("expected compatible, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected incompatibility error")
			}
			if !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("error %q does not contain %q", err, tt.errContains)
			}
		})
	}
}

func TestDecodeRequestClassifies(t *testing.T) {
	tests := []struct {
		frame string
		code  ErrorCode
	}{
		{`not json`, CodeBadRequest},
		{`{"id":"1"}`, CodeUnknownType},
		{`{"id":"1","type":"upsert"}`, CodeBadRequest},
		{`{"id":"1","type":"workspace-changed"}`, CodeBadRequest},
	}
	for _, tt := range tests {
		_, err := DecodeRequest([]byte(tt.frame))
		if got := toError(err).Code; got != tt.code {
			t.Errorf("DecodeRequest(%s) code = %s, want %s", tt.frame, got, tt.code)
		}
	}

	req, err := DecodeRequest([]byte(`{"id":"7","type":"ping","payload":{"client_version":"0.3.0"}}`))
	if err != nil {
		t.Fatalf("DecodeRequest failed: %v", err)
	}
	if req.ID != "7" || req.Type != MsgPing {
		t.Errorf("decoded %+v", req)
	}
}

func TestMessageTypeSetIsClosed(t *testing.T) {
	if n := len(requestTypes) + len(pushTypes); n != 25 {
		t.Errorf("protocol has %d message types, want 25", n)
	}
	for typ := range pushTypes {
		if requestTypes[typ] {
			t.Errorf("%s is both a request and a push", typ)
		}
	}
}
