package archive_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaykit/relay/internal/archive"
)

const testEmbeddingDim = 4

// testDSN returns the test database DSN from the environment, or skips the
// test if RELAY_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("RELAY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RELAY_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestArchive creates a fresh [archive.Archive] with a clean schema.
func newTestArchive(t *testing.T, opts archive.Options) *archive.Archive {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	dropSchema(t, ctx, dsn)

	arc, err := archive.New(ctx, dsn, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(arc.Close)
	return arc
}

// dropSchema removes the archive tables in reverse dependency order.
func dropSchema(t *testing.T, ctx context.Context, dsn string) {
	t.Helper()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	defer pool.Close()

	for _, stmt := range []string{
		"DROP TABLE IF EXISTS transcript_lines CASCADE",
		"DROP TABLE IF EXISTS calls CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("drop schema: %v", err)
		}
	}
}

// stubEmbedder returns fixed vectors per text so distance ordering in tests
// is deterministic. Unknown texts embed to the zero-adjacent axis vector.
type stubEmbedder struct {
	vectors map[string][]float32
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := s.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 0, 1}, nil
}

// failEmbedder always errors, exercising the degraded-write path.
type failEmbedder struct{}

func (failEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("embeddings api down")
}

func TestArchive_CallLifecycle(t *testing.T) {
	arc := newTestArchive(t, archive.Options{})
	ctx := context.Background()

	if err := arc.StartCall(ctx, "CA100", "MZ100"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	rec, err := arc.Call(ctx, "CA100")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if rec.CallSid != "CA100" || rec.StreamSid != "MZ100" {
		t.Errorf("record = %+v, want CA100/MZ100", rec)
	}
	if rec.EndedAt != nil {
		t.Error("EndedAt set before EndCall")
	}
	if rec.StartedAt.IsZero() {
		t.Error("StartedAt is zero")
	}

	if err := arc.EndCall(ctx, "CA100"); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	rec, err = arc.Call(ctx, "CA100")
	if err != nil {
		t.Fatalf("Call after end: %v", err)
	}
	if rec.EndedAt == nil {
		t.Error("EndedAt still nil after EndCall")
	}
}

func TestArchive_StartCallIsIdempotent(t *testing.T) {
	arc := newTestArchive(t, archive.Options{})
	ctx := context.Background()

	if err := arc.StartCall(ctx, "CA101", "MZ101"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	first, err := arc.Call(ctx, "CA101")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}

	// A second start (model reconnect re-announcing the call) must not reset
	// the start time.
	time.Sleep(20 * time.Millisecond)
	if err := arc.StartCall(ctx, "CA101", "MZ101b"); err != nil {
		t.Fatalf("StartCall again: %v", err)
	}

	second, err := arc.Call(ctx, "CA101")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !second.StartedAt.Equal(first.StartedAt) {
		t.Errorf("StartedAt changed from %v to %v", first.StartedAt, second.StartedAt)
	}
	if second.StreamSid != "MZ101b" {
		t.Errorf("StreamSid = %q, want the refreshed value", second.StreamSid)
	}
}

func TestArchive_CallNotFound(t *testing.T) {
	arc := newTestArchive(t, archive.Options{})

	_, err := arc.Call(context.Background(), "CA-nope")
	if !errors.Is(err, archive.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestArchive_TranscriptOrder(t *testing.T) {
	arc := newTestArchive(t, archive.Options{})
	ctx := context.Background()

	if err := arc.StartCall(ctx, "CA102", "MZ102"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	for i, line := range []struct{ speaker, text string }{
		{"caller", "hi, can I book a table for two"},
		{"assistant", "of course, what time works for you"},
		{"caller", "seven tonight"},
	} {
		if err := arc.AddTranscriptLine(ctx, "CA102", line.speaker, line.text); err != nil {
			t.Fatalf("AddTranscriptLine %d: %v", i, err)
		}
	}

	rec, err := arc.Call(ctx, "CA102")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(rec.Lines) != 3 {
		t.Fatalf("len(Lines) = %d, want 3", len(rec.Lines))
	}
	if rec.Lines[0].Speaker != "caller" || rec.Lines[1].Speaker != "assistant" {
		t.Errorf("lines out of order: %+v", rec.Lines)
	}
	if rec.Lines[2].Text != "seven tonight" {
		t.Errorf("last line = %q", rec.Lines[2].Text)
	}
}

func TestArchive_RecentCallsNewestFirst(t *testing.T) {
	arc := newTestArchive(t, archive.Options{})
	ctx := context.Background()

	for i := range 3 {
		sid := fmt.Sprintf("CA11%d", i)
		if err := arc.StartCall(ctx, sid, "MZ"+sid); err != nil {
			t.Fatalf("StartCall %s: %v", sid, err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	records, err := arc.RecentCalls(ctx, 2)
	if err != nil {
		t.Fatalf("RecentCalls: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len = %d, want limit 2", len(records))
	}
	if records[0].CallSid != "CA112" || records[1].CallSid != "CA111" {
		t.Errorf("order = %s, %s; want newest first", records[0].CallSid, records[1].CallSid)
	}
	if records[0].Lines != nil {
		t.Error("RecentCalls should not load transcripts")
	}
}

func TestArchive_SearchTranscripts(t *testing.T) {
	arc := newTestArchive(t, archive.Options{})
	ctx := context.Background()

	if err := arc.StartCall(ctx, "CA120", "MZ120"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	lines := []string{
		"I want to reschedule my dentist appointment",
		"your appointment is moved to Thursday",
		"what's the weather like tomorrow",
	}
	for _, text := range lines {
		if err := arc.AddTranscriptLine(ctx, "CA120", "caller", text); err != nil {
			t.Fatalf("AddTranscriptLine: %v", err)
		}
	}

	got, err := arc.SearchTranscripts(ctx, "appointment", 10)
	if err != nil {
		t.Fatalf("SearchTranscripts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2 matches for %q", len(got), "appointment")
	}
	for _, l := range got {
		if l.CallSid != "CA120" {
			t.Errorf("match from unexpected call %q", l.CallSid)
		}
	}

	none, err := arc.SearchTranscripts(ctx, "zeppelin", 10)
	if err != nil {
		t.Fatalf("SearchTranscripts: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("len = %d, want no matches", len(none))
	}
}

func TestArchive_SemanticSearch(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float32{
		"the pasta was wonderful":  {1, 0, 0, 0},
		"my card was charged once": {0, 1, 0, 0},
		"great food":               {0.9, 0.1, 0, 0},
	}}
	arc := newTestArchive(t, archive.Options{
		Embedder:            emb,
		EmbeddingDimensions: testEmbeddingDim,
	})
	ctx := context.Background()

	if err := arc.StartCall(ctx, "CA130", "MZ130"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	for _, text := range []string{"the pasta was wonderful", "my card was charged once"} {
		if err := arc.AddTranscriptLine(ctx, "CA130", "caller", text); err != nil {
			t.Fatalf("AddTranscriptLine: %v", err)
		}
	}

	matches, err := arc.SearchSemantic(ctx, "great food", 2)
	if err != nil {
		t.Fatalf("SearchSemantic: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("len = %d, want 2", len(matches))
	}
	if matches[0].Line.Text != "the pasta was wonderful" {
		t.Errorf("closest = %q, want the food line", matches[0].Line.Text)
	}
	if matches[0].Distance >= matches[1].Distance {
		t.Errorf("distances not ascending: %v then %v", matches[0].Distance, matches[1].Distance)
	}
}

func TestArchive_SemanticSearchDisabled(t *testing.T) {
	arc := newTestArchive(t, archive.Options{})

	_, err := arc.SearchSemantic(context.Background(), "anything", 5)
	if !errors.Is(err, archive.ErrSemanticDisabled) {
		t.Errorf("err = %v, want ErrSemanticDisabled", err)
	}
}

func TestArchive_EmbeddingFailureDegradesToWriting(t *testing.T) {
	arc := newTestArchive(t, archive.Options{
		Embedder:            failEmbedder{},
		EmbeddingDimensions: testEmbeddingDim,
	})
	ctx := context.Background()

	if err := arc.StartCall(ctx, "CA140", "MZ140"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if err := arc.AddTranscriptLine(ctx, "CA140", "caller", "still recorded"); err != nil {
		t.Fatalf("AddTranscriptLine with failing embedder: %v", err)
	}

	rec, err := arc.Call(ctx, "CA140")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(rec.Lines) != 1 || rec.Lines[0].Text != "still recorded" {
		t.Errorf("line lost on embedding failure: %+v", rec.Lines)
	}

	// Unembedded lines are invisible to semantic search.
	matches, err := arc.SearchSemantic(ctx, "recorded", 5)
	if err != nil {
		t.Fatalf("SearchSemantic: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("len = %d, want 0 for unembedded lines", len(matches))
	}
}

// recordingSummariser captures what it was asked to summarise.
type recordingSummariser struct {
	gotLines []archive.TranscriptLine
	reply    string
	err      error
}

func (r *recordingSummariser) Summarise(_ context.Context, lines []archive.TranscriptLine) (string, error) {
	r.gotLines = lines
	return r.reply, r.err
}

func TestArchive_SummariseCall(t *testing.T) {
	arc := newTestArchive(t, archive.Options{})
	ctx := context.Background()

	if err := arc.StartCall(ctx, "CA150", "MZ150"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if err := arc.AddTranscriptLine(ctx, "CA150", "caller", "cancel my subscription"); err != nil {
		t.Fatalf("AddTranscriptLine: %v", err)
	}

	s := &recordingSummariser{reply: "Caller cancelled their subscription."}
	if err := arc.SummariseCall(ctx, "CA150", s); err != nil {
		t.Fatalf("SummariseCall: %v", err)
	}
	if len(s.gotLines) != 1 {
		t.Fatalf("summariser saw %d lines, want 1", len(s.gotLines))
	}

	rec, err := arc.Call(ctx, "CA150")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if rec.Summary != "Caller cancelled their subscription." {
		t.Errorf("Summary = %q", rec.Summary)
	}
}

func TestArchive_SummariseCallSkipsEmptyTranscript(t *testing.T) {
	arc := newTestArchive(t, archive.Options{})
	ctx := context.Background()

	if err := arc.StartCall(ctx, "CA151", "MZ151"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	s := &recordingSummariser{reply: "should never be stored"}
	if err := arc.SummariseCall(ctx, "CA151", s); err != nil {
		t.Fatalf("SummariseCall: %v", err)
	}
	if s.gotLines != nil {
		t.Error("summariser invoked for an empty transcript")
	}
}

func TestArchive_Ping(t *testing.T) {
	arc := newTestArchive(t, archive.Options{})
	if err := arc.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	dsn := testDSN(t)
	ctx := context.Background()
	dropSchema(t, ctx, dsn)

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	defer pool.Close()

	for range 2 {
		if err := archive.Migrate(ctx, pool, 0); err != nil {
			t.Fatalf("Migrate: %v", err)
		}
	}
}
