package archive

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"
)

// ErrSemanticDisabled reports a semantic search on an archive built without
// an [Embedder].
var ErrSemanticDisabled = errors.New("archive: semantic search disabled, no embedder configured")

// Embedder produces a vector for a piece of text. Implementations must be
// safe for concurrent use.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SemanticMatch pairs a transcript line with its cosine distance to the
// query embedding. Smaller is more similar.
type SemanticMatch struct {
	Line     TranscriptLine `json:"line"`
	Distance float64        `json:"distance"`
}

// SearchSemantic embeds query and returns the topK transcript lines whose
// embeddings are closest by cosine distance, most similar first. Lines
// written while embedding was degraded carry no vector and are not searched.
func (a *Archive) SearchSemantic(ctx context.Context, query string, topK int) ([]SemanticMatch, error) {
	if a.embedder == nil {
		return nil, ErrSemanticDisabled
	}
	if topK < 1 {
		topK = 10
	}

	embedding, err := a.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("archive: embed query: %w", err)
	}

	const q = `
		SELECT call_sid, speaker, text, spoken_at,
		       embedding <=> $1 AS distance
		FROM   transcript_lines
		WHERE  embedding IS NOT NULL
		ORDER  BY distance
		LIMIT  $2`

	rows, err := a.pool.Query(ctx, q, pgvector.NewVector(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("archive: semantic search: %w", err)
	}

	matches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (SemanticMatch, error) {
		var m SemanticMatch
		err := row.Scan(
			&m.Line.CallSid,
			&m.Line.Speaker,
			&m.Line.Text,
			&m.Line.SpokenAt,
			&m.Distance,
		)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scan semantic matches: %w", err)
	}
	if matches == nil {
		matches = []SemanticMatch{}
	}
	return matches, nil
}

// embedText returns the pgvector value for one transcript line, or nil (a
// SQL NULL) when embedding fails. Failures are logged and the line is stored
// without a vector, so transcripts never go missing because the embeddings
// API is down.
func (a *Archive) embedText(ctx context.Context, text string) any {
	embedding, err := a.embedder.Embed(ctx, text)
	if err != nil {
		a.logger.Warn("transcript embedding failed, storing line without vector", "error", err)
		return nil
	}
	return pgvector.NewVector(embedding)
}
