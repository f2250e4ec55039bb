package archive

import (
	"testing"
)

func TestNewSummariser_RequiresModel(t *testing.T) {
	t.Parallel()

	if _, err := NewSummariser("openai", "", "key", ""); err == nil {
		t.Error("expected error for empty model")
	}
}

func TestNewSummariser_UnknownProvider(t *testing.T) {
	t.Parallel()

	if _, err := NewSummariser("psychic", "gpt-4o-mini", "key", ""); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestNewSummariser_KnownProviders(t *testing.T) {
	t.Parallel()

	for _, provider := range []string{"openai", "Anthropic", "Gemini", "OLLAMA"} {
		if _, err := NewSummariser(provider, "some-model", "key", ""); err != nil {
			t.Errorf("NewSummariser(%q): %v", provider, err)
		}
	}
}

func TestFormatTranscript(t *testing.T) {
	t.Parallel()

	got := formatTranscript([]TranscriptLine{
		{Speaker: "caller", Text: "hello"},
		{Speaker: "assistant", Text: "hi, how can I help"},
	})
	want := "[caller]: hello\n[assistant]: hi, how can I help\n"
	if got != want {
		t.Errorf("formatTranscript = %q, want %q", got, want)
	}

	if got := formatTranscript(nil); got != "" {
		t.Errorf("formatTranscript(nil) = %q, want empty", got)
	}
}
