// Package archive persists call records and transcripts in PostgreSQL.
//
// The archive is optional: the relay runs without it when no DSN is
// configured. When enabled it records one row per call (identifiers, start
// and end times, an optional post-call summary) and one row per transcript
// line, sourced from the model's transcription events. Audio payloads are
// never stored.
//
// Transcript lines carry a GIN full-text index; [Archive.SearchTranscripts]
// queries it. With an [Embedder] configured, lines additionally carry a
// pgvector embedding under an HNSW index and [Archive.SearchSemantic] finds
// the nearest lines to a free-form query.
//
// Usage:
//
//	arc, err := archive.New(ctx, dsn, archive.Options{})
//	if err != nil { … }
//	defer arc.Close()
//
//	_ = arc.StartCall(ctx, callSid, streamSid)
//	_ = arc.AddTranscriptLine(ctx, callSid, "caller", "hi, I'd like to book a table")
//	_ = arc.EndCall(ctx, callSid)
package archive

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlCalls = `
CREATE TABLE IF NOT EXISTS calls (
    call_sid    TEXT         PRIMARY KEY,
    stream_sid  TEXT         NOT NULL DEFAULT '',
    started_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at    TIMESTAMPTZ,
    summary     TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_calls_started_at
    ON calls (started_at DESC);
`

const ddlTranscriptLines = `
CREATE TABLE IF NOT EXISTS transcript_lines (
    id         BIGSERIAL    PRIMARY KEY,
    call_sid   TEXT         NOT NULL REFERENCES calls (call_sid) ON DELETE CASCADE,
    speaker    TEXT         NOT NULL,
    text       TEXT         NOT NULL,
    spoken_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcript_lines_call_sid
    ON transcript_lines (call_sid);

CREATE INDEX IF NOT EXISTS idx_transcript_lines_fts
    ON transcript_lines USING GIN (to_tsvector('english', text));
`

// ddlSemantic returns the semantic-index DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type; changing
// it after the first migration requires a manual schema update.
func ddlSemantic(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

ALTER TABLE transcript_lines
    ADD COLUMN IF NOT EXISTS embedding vector(%d);

CREATE INDEX IF NOT EXISTS idx_transcript_lines_embedding
    ON transcript_lines USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures all required tables, indexes, and extensions.
// It is idempotent and safe to run on every start. The semantic-index DDL
// only runs when embeddingDimensions > 0, so databases without the pgvector
// extension work fine as long as semantic search stays disabled.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlCalls,
		ddlTranscriptLines,
	}
	if embeddingDimensions > 0 {
		statements = append(statements, ddlSemantic(embeddingDimensions))
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("archive migrate: %w", err)
		}
	}
	return nil
}
