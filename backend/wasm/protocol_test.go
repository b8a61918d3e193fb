package wasm

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/caffeineduck/evaljs/hostfunc"
)

func TestExtractMessage(t *testing.T) {
	tests := []struct {
		name          string
		content       string
		idx           int
		wantPayload   string
		wantRemaining string
		wantOK        bool
	}{
		{
			name:          "complete",
			content:       "prefix" + "\x00EVALJS:{\"type\":\"ok\"}\x00" + "suffix",
			idx:           6,
			wantPayload:   `{"type":"ok"}`,
			wantRemaining: "suffix",
			wantOK:        true,
		},
		{
			name:          "incomplete",
			content:       "prefix\x00EVALJS:{partial",
			idx:           6,
			wantRemaining: "\x00EVALJS:{partial",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, remaining, ok := extractMessage(tt.content, tt.idx)
			if payload != tt.wantPayload {
				t.Errorf("payload = %q, want %q", payload, tt.wantPayload)
			}
			if remaining != tt.wantRemaining {
				t.Errorf("remaining = %q, want %q", remaining, tt.wantRemaining)
			}
			if ok != tt.wantOK {
				t.Errorf("ok = %v, want %v", ok, tt.wantOK)
			}
		})
	}
}

func TestProtocolSplitWrites(t *testing.T) {
	_, w := io.Pipe()
	p := newProtocolHandler(zap.NewNop(), w)
	p.begin(context.Background())

	p.Write([]byte("plain output\x00EVALJS:{\"type\":\"res"))
	p.Write([]byte("ult\",\"kind\":\"number\",\"number\":2}\x00tail"))

	msg := p.take()
	if msg == nil {
		t.Fatal("expected a reply")
	}
	if msg.Kind != "number" || msg.Number == nil || *msg.Number != 2 {
		t.Errorf("unexpected reply: %+v", msg)
	}
	if got := p.Stderr(); got != "plain outputtail" {
		t.Errorf("stderr = %q", got)
	}
}

func TestProtocolCall(t *testing.T) {
	r, w := io.Pipe()
	defer r.Close()

	p := newProtocolHandler(zap.NewNop(), w)
	names := p.install([]hostfunc.Descriptor{
		{Name: "add", Fn: hostfunc.Add},
		{Name: "fail", Fn: func(ctx context.Context, args []any) (any, error) {
			return nil, errors.New("nope")
		}},
		{Name: "unset"},
	})
	if len(names) != 2 {
		t.Fatalf("expected 2 installed names, got %v", names)
	}

	lines := bufio.NewScanner(r)
	read := func() callResponse {
		t.Helper()
		done := make(chan callResponse, 1)
		go func() {
			var resp callResponse
			if lines.Scan() {
				json.Unmarshal(lines.Bytes(), &resp)
			}
			done <- resp
		}()
		select {
		case resp := <-done:
			return resp
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for response")
			return callResponse{}
		}
	}

	p.Write([]byte("\x00EVALJS:{\"type\":\"call\",\"fn\":\"add\",\"args\":[1,2]}\x00"))
	if resp := read(); resp.Data != 3.0 {
		t.Errorf("add: got %+v", resp)
	}

	p.Write([]byte("\x00EVALJS:{\"type\":\"call\",\"fn\":\"fail\",\"args\":[]}\x00"))
	if resp := read(); resp.Error != "nope" {
		t.Errorf("fail: got %+v", resp)
	}

	p.Write([]byte("\x00EVALJS:{\"type\":\"call\",\"fn\":\"unset\"}\x00"))
	if resp := read(); resp.Error != "unknown function: unset" {
		t.Errorf("unset: got %+v", resp)
	}

	if p.take() != nil {
		t.Error("calls must not be stored as replies")
	}
}
