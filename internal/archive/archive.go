package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// ErrNotFound reports a lookup for a call the archive has never seen.
var ErrNotFound = errors.New("archive: call not found")

// defaultEmbeddingDimensions matches OpenAI text-embedding-3-small.
const defaultEmbeddingDimensions = 1536

// CallRecord is one archived call. Lines is populated by [Archive.Call] and
// left nil by [Archive.RecentCalls].
type CallRecord struct {
	CallSid   string           `json:"callSid"`
	StreamSid string           `json:"streamSid"`
	StartedAt time.Time        `json:"startedAt"`
	EndedAt   *time.Time       `json:"endedAt,omitempty"`
	Summary   string           `json:"summary,omitempty"`
	Lines     []TranscriptLine `json:"transcript,omitempty"`
}

// TranscriptLine is one utterance within a call. Speaker is "caller" or
// "assistant".
type TranscriptLine struct {
	CallSid  string    `json:"callSid"`
	Speaker  string    `json:"speaker"`
	Text     string    `json:"text"`
	SpokenAt time.Time `json:"spokenAt"`
}

// Options configures optional archive features.
type Options struct {
	// Embedder enables the semantic transcript index when non-nil. Every
	// transcript line is embedded on write and [Archive.SearchSemantic]
	// becomes available.
	Embedder Embedder

	// EmbeddingDimensions is the vector width Embedder produces. Zero
	// defaults to 1536 (text-embedding-3-small).
	EmbeddingDimensions int

	// Logger receives warnings about degraded writes. Nil uses slog.Default.
	Logger *slog.Logger
}

// Archive is the PostgreSQL-backed call store.
// All methods are safe for concurrent use.
type Archive struct {
	pool     *pgxpool.Pool
	embedder Embedder
	logger   *slog.Logger
}

// New connects to the database at dsn, registers pgvector types on every
// connection, and runs [Migrate].
func New(ctx context.Context, dsn string, opts Options) (*Archive, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: parse dsn: %w", err)
	}

	dimensions := 0
	if opts.Embedder != nil {
		dimensions = opts.EmbeddingDimensions
		if dimensions == 0 {
			dimensions = defaultEmbeddingDimensions
		}

		// Register pgvector types on every new connection so the embedding
		// column can be scanned into and inserted from pgvector.Vector values.
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			return pgxvec.RegisterTypes(ctx, conn)
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}

	if err := Migrate(ctx, pool, dimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: migrate: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Archive{
		pool:     pool,
		embedder: opts.Embedder,
		logger:   logger,
	}, nil
}

// Ping reports whether the database is reachable. Used as a readiness check.
func (a *Archive) Ping(ctx context.Context) error {
	return a.pool.Ping(ctx)
}

// Close releases all connections held by the pool.
func (a *Archive) Close() {
	a.pool.Close()
}

// StartCall records the beginning of a call. Recording the same callSid again
// updates the stream id and leaves the original start time in place.
func (a *Archive) StartCall(ctx context.Context, callSid, streamSid string) error {
	const q = `
		INSERT INTO calls (call_sid, stream_sid)
		VALUES ($1, $2)
		ON CONFLICT (call_sid) DO UPDATE SET
		    stream_sid = EXCLUDED.stream_sid`

	if _, err := a.pool.Exec(ctx, q, callSid, streamSid); err != nil {
		return fmt.Errorf("archive: start call: %w", err)
	}
	return nil
}

// EndCall stamps the call's end time.
func (a *Archive) EndCall(ctx context.Context, callSid string) error {
	const q = `UPDATE calls SET ended_at = now() WHERE call_sid = $1`

	if _, err := a.pool.Exec(ctx, q, callSid); err != nil {
		return fmt.Errorf("archive: end call: %w", err)
	}
	return nil
}

// SetSummary stores the post-call summary on the call row.
func (a *Archive) SetSummary(ctx context.Context, callSid, summary string) error {
	const q = `UPDATE calls SET summary = $2 WHERE call_sid = $1`

	if _, err := a.pool.Exec(ctx, q, callSid, summary); err != nil {
		return fmt.Errorf("archive: set summary: %w", err)
	}
	return nil
}

// AddTranscriptLine appends one utterance to the call's transcript. With an
// embedder configured the line is embedded inline; an embedding failure
// degrades to a plain write rather than losing the line.
func (a *Archive) AddTranscriptLine(ctx context.Context, callSid, speaker, text string) error {
	if a.embedder == nil {
		const q = `
			INSERT INTO transcript_lines (call_sid, speaker, text)
			VALUES ($1, $2, $3)`
		if _, err := a.pool.Exec(ctx, q, callSid, speaker, text); err != nil {
			return fmt.Errorf("archive: add transcript line: %w", err)
		}
		return nil
	}

	const q = `
		INSERT INTO transcript_lines (call_sid, speaker, text, embedding)
		VALUES ($1, $2, $3, $4)`
	if _, err := a.pool.Exec(ctx, q, callSid, speaker, text, a.embedText(ctx, text)); err != nil {
		return fmt.Errorf("archive: add transcript line: %w", err)
	}
	return nil
}

// Call returns one call with its full transcript, oldest line first.
func (a *Archive) Call(ctx context.Context, callSid string) (*CallRecord, error) {
	const q = `
		SELECT call_sid, stream_sid, started_at, ended_at, summary
		FROM   calls
		WHERE  call_sid = $1`

	var rec CallRecord
	err := a.pool.QueryRow(ctx, q, callSid).Scan(
		&rec.CallSid,
		&rec.StreamSid,
		&rec.StartedAt,
		&rec.EndedAt,
		&rec.Summary,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("archive: get call: %w", err)
	}

	lines, err := a.Transcript(ctx, callSid)
	if err != nil {
		return nil, err
	}
	rec.Lines = lines
	return &rec, nil
}

// Transcript returns the call's transcript lines in spoken order.
func (a *Archive) Transcript(ctx context.Context, callSid string) ([]TranscriptLine, error) {
	const q = `
		SELECT call_sid, speaker, text, spoken_at
		FROM   transcript_lines
		WHERE  call_sid = $1
		ORDER  BY id`

	rows, err := a.pool.Query(ctx, q, callSid)
	if err != nil {
		return nil, fmt.Errorf("archive: get transcript: %w", err)
	}
	return collectLines(rows)
}

// RecentCalls returns up to limit calls ordered newest first, without
// transcripts. limit values below 1 default to 50.
func (a *Archive) RecentCalls(ctx context.Context, limit int) ([]CallRecord, error) {
	if limit < 1 {
		limit = 50
	}

	const q = `
		SELECT call_sid, stream_sid, started_at, ended_at, summary
		FROM   calls
		ORDER  BY started_at DESC
		LIMIT  $1`

	rows, err := a.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: recent calls: %w", err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (CallRecord, error) {
		var rec CallRecord
		err := row.Scan(&rec.CallSid, &rec.StreamSid, &rec.StartedAt, &rec.EndedAt, &rec.Summary)
		return rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scan calls: %w", err)
	}
	if records == nil {
		records = []CallRecord{}
	}
	return records, nil
}

// SearchTranscripts performs a full-text search over all transcript lines.
// The query goes through plainto_tsquery, so no operator syntax is required.
// limit values below 1 default to 50.
func (a *Archive) SearchTranscripts(ctx context.Context, query string, limit int) ([]TranscriptLine, error) {
	if limit < 1 {
		limit = 50
	}

	const q = `
		SELECT call_sid, speaker, text, spoken_at
		FROM   transcript_lines
		WHERE  to_tsvector('english', text) @@ plainto_tsquery('english', $1)
		ORDER  BY spoken_at DESC
		LIMIT  $2`

	rows, err := a.pool.Query(ctx, q, query, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: search transcripts: %w", err)
	}
	return collectLines(rows)
}

// collectLines scans pgx rows into a slice of TranscriptLine values.
func collectLines(rows pgx.Rows) ([]TranscriptLine, error) {
	lines, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (TranscriptLine, error) {
		var l TranscriptLine
		err := row.Scan(&l.CallSid, &l.Speaker, &l.Text, &l.SpokenAt)
		return l, err
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scan transcript lines: %w", err)
	}
	if lines == nil {
		lines = []TranscriptLine{}
	}
	return lines, nil
}
