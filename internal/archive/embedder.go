package archive

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
)

// DefaultEmbeddingsModel is the embeddings model used when none is configured.
const DefaultEmbeddingsModel = oai.EmbeddingModelTextEmbedding3Small

// maxEmbedBytes clamps embedding input. The text-embedding-3 family rejects
// inputs beyond 8192 tokens, and call summaries occasionally get there.
const maxEmbedBytes = 16 << 10

// embedRequestTimeout bounds a single embeddings request.
const embedRequestTimeout = 30 * time.Second

// OpenAIEmbedder implements [Embedder] through the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client oai.Client
	model  string
}

// NewOpenAIEmbedder builds an embedder for the given model. baseURL overrides
// the production endpoint; pass "" otherwise.
func NewOpenAIEmbedder(apiKey, model, baseURL string) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("archive: embedder requires an API key")
	}
	if model == "" {
		model = DefaultEmbeddingsModel
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithRequestTimeout(embedRequestTimeout),
		option.WithMaxRetries(2),
	}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}

	return &OpenAIEmbedder{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Embed implements [Embedder]. Input beyond [maxEmbedBytes] is clamped on a
// rune boundary before the request.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: e.model,
		Input: oai.EmbeddingNewParamsInputUnion{
			OfString: param.NewOpt(clampForEmbedding(text)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("archive: embeddings call: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("archive: embeddings response carried no vectors")
	}

	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

// Dimensions reports the vector width the configured model produces. The
// text-embedding-3-small and legacy ada models are 1536 wide; only 3-large
// differs.
func (e *OpenAIEmbedder) Dimensions() int {
	if strings.Contains(strings.ToLower(e.model), "3-large") {
		return 3072
	}
	return 1536
}

func clampForEmbedding(text string) string {
	if len(text) <= maxEmbedBytes {
		return text
	}
	cut := maxEmbedBytes
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}
