package model

import (
	"context"
	"fmt"
	"sync"
)

// MockModel is an in-memory Model for tests and local runs. It answers from
// a queue of scripted responses first, then from canned prompt responses, and
// otherwise echoes the last user message.
type MockModel struct {
	info Info

	mu        sync.Mutex
	responses map[string]string
	script    []Response
	requests  []Request
}

// NewMockModel constructs a MockModel with tool support enabled.
func NewMockModel(name, provider string) *MockModel {
	return &MockModel{
		info: Info{
			Name:          name,
			Provider:      provider,
			SupportsTools: true,
		},
		responses: make(map[string]string),
	}
}

// AddResponse registers a canned completion for an exact prompt.
func (m *MockModel) AddResponse(prompt, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prompt] = response
}

// Enqueue appends scripted final responses, consumed one per Generate call.
func (m *MockModel) Enqueue(rs ...Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, rs...)
}

// Requests returns a copy of every request seen so far.
func (m *MockModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

func (m *MockModel) next(req Request) (Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)

	if len(m.script) > 0 {
		r := m.script[0]
		m.script = m.script[1:]
		if r.FinishReason == "" {
			r.FinishReason = "stop"
		}
		return r, nil
	}

	var input string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			input = req.Messages[i].Text
			break
		}
	}
	if input == "" {
		return Response{}, fmt.Errorf("mock model: no user message")
	}

	text, ok := m.responses[input]
	if !ok {
		text = "Mock response to: " + input
	}
	return Response{Text: text, FinishReason: "stop"}, nil
}

// Generate implements Model. With Stream set the text is sent one rune at a
// time before the final response.
func (m *MockModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(respCh)
		defer close(errCh)

		final, err := m.next(req)
		if err != nil {
			errCh <- err
			return
		}

		if req.Stream {
			for _, r := range final.Text {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case respCh <- Response{Partial: true, Text: string(r)}:
				}
			}
		}

		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
		case respCh <- final:
		}
	}()

	return respCh, errCh
}

// Info implements Model.
func (m *MockModel) Info() Info { return m.info }
