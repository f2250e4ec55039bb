package archive

import (
	"context"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"
)

// summaryPrompt is the system prompt sent to the LLM when summarising a call.
const summaryPrompt = `Summarise the following phone call between a caller and a voice assistant.
Preserve: the caller's intent, facts exchanged, commitments made by either side, and the outcome.
Be concise; two to four sentences.`

// summaryMaxTokens caps the summary length.
const summaryMaxTokens = 256

// Summariser produces a short post-call summary of a transcript.
type Summariser interface {
	Summarise(ctx context.Context, lines []TranscriptLine) (string, error)
}

// LLMSummariser summarises call transcripts through an any-llm backend.
type LLMSummariser struct {
	backend anyllmlib.Provider
	model   string
}

// NewSummariser builds a summariser on the named provider: "openai",
// "anthropic", "gemini", or "ollama". apiKey and baseURL may be empty, in
// which case the backend falls back to its environment variable and default
// endpoint.
func NewSummariser(provider, model, apiKey, baseURL string) (*LLMSummariser, error) {
	if model == "" {
		return nil, fmt.Errorf("archive: summariser requires a model")
	}

	var opts []anyllmlib.Option
	if apiKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(baseURL))
	}

	backend, err := summaryBackend(provider, opts...)
	if err != nil {
		return nil, err
	}
	return &LLMSummariser{backend: backend, model: model}, nil
}

// summaryBackend creates the underlying any-llm provider.
func summaryBackend(provider string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(provider) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	}
	return nil, fmt.Errorf("archive: unsupported summary provider %q; supported: openai, anthropic, gemini, ollama", provider)
}

// formatTranscript renders lines as a readable "[speaker]: text" transcript
// for the summarisation prompt.
func formatTranscript(lines []TranscriptLine) string {
	var sb strings.Builder
	for _, l := range lines {
		fmt.Fprintf(&sb, "[%s]: %s\n", l.Speaker, l.Text)
	}
	return sb.String()
}

// Summarise formats the transcript into a single user message and asks the
// model for a condensed summary. An empty transcript yields an empty summary
// without touching the backend.
func (s *LLMSummariser) Summarise(ctx context.Context, lines []TranscriptLine) (string, error) {
	if len(lines) == 0 {
		return "", nil
	}

	temperature := 0.3
	maxTokens := summaryMaxTokens
	resp, err := s.backend.Completion(ctx, anyllmlib.CompletionParams{
		Model: s.model,
		Messages: []anyllmlib.Message{
			{Role: anyllmlib.RoleSystem, Content: summaryPrompt},
			{Role: anyllmlib.RoleUser, Content: formatTranscript(lines)},
		},
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("archive: summarise: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("archive: empty choices in summary response")
	}
	return resp.Choices[0].Message.ContentString(), nil
}

// SummariseCall runs s over the call's transcript and stores the result on
// the call row. Calls with an empty transcript are left untouched.
func (a *Archive) SummariseCall(ctx context.Context, callSid string, s Summariser) error {
	lines, err := a.Transcript(ctx, callSid)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		return nil
	}

	summary, err := s.Summarise(ctx, lines)
	if err != nil {
		return err
	}
	if summary == "" {
		return nil
	}
	return a.SetSummary(ctx, callSid, summary)
}
