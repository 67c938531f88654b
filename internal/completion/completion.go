package completion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dreamware/whisperhouse/internal/wire"
)

//go:generate mockgen -destination=mock_completer.go -package=completion . Completer

// SamplingParams are passed through to the completion service unchanged.
type SamplingParams struct {
	Stop        []string `json:"stop,omitempty"`
	Temperature float64  `json:"temperature"`
	TopP        float64  `json:"topP,omitempty"`
	MaxTokens   int      `json:"maxTokens,omitempty"`
}

// DefaultParams are used when a caller has no preference.
var DefaultParams = SamplingParams{Temperature: 0.8, MaxTokens: 256}

// Completer turns a prompt into text.
type Completer interface {
	Complete(ctx context.Context, prompt string, params SamplingParams) (string, error)
}

// ErrEmptyCompletion is returned when the service answers with no text.
var ErrEmptyCompletion = errors.New("empty completion")

type httpRequest struct {
	Prompt string `json:"prompt"`
	SamplingParams
}

type httpResponse struct {
	Text string `json:"text"`
}

// HTTP calls a JSON completion endpoint: POST {"prompt", ...params} → {"text"}.
type HTTP struct {
	endpoint string
}

// NewHTTP creates a completer for endpoint.
func NewHTTP(endpoint string) *HTTP {
	return &HTTP{endpoint: endpoint}
}

func (h *HTTP) Complete(ctx context.Context, prompt string, params SamplingParams) (string, error) {
	var resp httpResponse
	if err := wire.PostJSON(ctx, h.endpoint, httpRequest{Prompt: prompt, SamplingParams: params}, &resp); err != nil {
		return "", fmt.Errorf("completion: %w", err)
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}

// Scripted returns canned replies in order, cycling when they run out. With
// no replies it answers with a fixed line derived from the prompt, which
// keeps local games and tests deterministic.
type Scripted struct {
	replies []string
	mu      sync.Mutex
	next    int
	prompts []string
}

// NewScripted creates a completer that plays back replies.
func NewScripted(replies ...string) *Scripted {
	return &Scripted{replies: replies}
}

func (s *Scripted) Complete(ctx context.Context, prompt string, _ SamplingParams) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prompts = append(s.prompts, prompt)
	if len(s.replies) == 0 {
		first, _, _ := strings.Cut(prompt, "\n")
		return "noted: " + first, nil
	}
	reply := s.replies[s.next%len(s.replies)]
	s.next++
	return reply, nil
}

// Prompts returns every prompt seen so far.
func (s *Scripted) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}
