package wasm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/caffeineduck/evaljs/hostfunc"
)

// Messages from the guest are framed on stderr as \x00EVALJS:{json}\x00.
// Call responses go back as one JSON line on stdin.
const (
	protocolPrefix = "\x00EVALJS:"
	protocolSuffix = "\x00"
)

type message struct {
	Type string `json:"type"`

	// call
	Fn   string `json:"fn,omitempty"`
	Args []any  `json:"args,omitempty"`

	// error
	Phase   string `json:"phase,omitempty"`
	Message string `json:"message,omitempty"`
	Stack   string `json:"stack,omitempty"`

	// result
	Kind           string   `json:"kind,omitempty"`
	Text           string   `json:"text,omitempty"`
	Bool           bool     `json:"bool,omitempty"`
	Number         *float64 `json:"number,omitempty"`
	JSON           *string  `json:"json,omitempty"`
	StringifyError string   `json:"stringifyError,omitempty"`
}

type callResponse struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// protocolHandler intercepts stderr. Regular output passes through to the
// captured stderr buffer; call messages are dispatched to the host function
// table and every other message is kept as the reply to the current request.
type protocolHandler struct {
	logger      *zap.Logger
	stdinWriter *io.PipeWriter

	funcs map[string]hostfunc.Func
	ctx   context.Context
	reply *message

	realStderr bytes.Buffer
	buf        bytes.Buffer
	mu         sync.Mutex
}

func newProtocolHandler(logger *zap.Logger, stdinWriter *io.PipeWriter) *protocolHandler {
	return &protocolHandler{
		logger:      logger,
		stdinWriter: stdinWriter,
		ctx:         context.Background(),
	}
}

func (p *protocolHandler) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.buf.Write(data)

	for {
		content := p.buf.String()
		idx := strings.Index(content, protocolPrefix)
		if idx == -1 {
			p.realStderr.WriteString(content)
			p.buf.Reset()
			break
		}
		p.realStderr.WriteString(content[:idx])

		payload, remaining, ok := extractMessage(content, idx)
		if !ok {
			p.buf.Reset()
			p.buf.WriteString(content[idx:])
			break
		}
		p.buf.Reset()
		p.buf.WriteString(remaining)

		var msg message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			p.logger.Warn("invalid protocol message", zap.Error(err))
			continue
		}
		p.handle(&msg)
	}

	return len(data), nil
}

// extractMessage returns the payload of the message starting at idx and the
// content following it. ok is false while the message is incomplete.
func extractMessage(content string, idx int) (payload, remaining string, ok bool) {
	start := idx + len(protocolPrefix)
	end := strings.Index(content[start:], protocolSuffix)
	if end == -1 {
		return "", content[idx:], false
	}
	return content[start : start+end], content[start+end+len(protocolSuffix):], true
}

func (p *protocolHandler) handle(msg *message) {
	if msg.Type != "call" {
		p.reply = msg
		return
	}
	p.respond(p.call(msg))
}

func (p *protocolHandler) call(msg *message) callResponse {
	fn, ok := p.funcs[msg.Fn]
	if !ok {
		return callResponse{Error: "unknown function: " + msg.Fn}
	}
	result, err := fn(p.ctx, msg.Args)
	if err != nil {
		return callResponse{Error: err.Error()}
	}
	return callResponse{Data: result}
}

func (p *protocolHandler) respond(resp callResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		data, _ = json.Marshal(callResponse{Error: "marshal response: " + err.Error()})
	}
	go p.stdinWriter.Write(append(data, '\n'))
}

// begin resets the reply slot before a request is sent to the guest.
func (p *protocolHandler) begin(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reply = nil
	p.ctx = ctx
	p.realStderr.Reset()
}

// take returns the reply to the last request, if one arrived.
func (p *protocolHandler) take() *message {
	p.mu.Lock()
	defer p.mu.Unlock()
	msg := p.reply
	p.reply = nil
	p.ctx = context.Background()
	return msg
}

func (p *protocolHandler) install(funcs []hostfunc.Descriptor) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.funcs = make(map[string]hostfunc.Func, len(funcs))
	names := make([]string, 0, len(funcs))
	for _, d := range funcs {
		if d.Fn == nil {
			continue
		}
		p.funcs[d.Name] = d.Fn
		names = append(names, d.Name)
	}
	return names
}

func (p *protocolHandler) Stderr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.realStderr.String()
}
