package pipeline_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"telegram-osint/internal/domain/pipeline"
	"telegram-osint/internal/domain/scoring"
	"telegram-osint/internal/infra/sqlite"
)

// stubTranslator отдаёт фиксированный перевод и считает вызовы.
type stubTranslator struct {
	out   string
	calls int
}

func (s *stubTranslator) Translate(_ context.Context, _, _ string) string {
	s.calls++
	return s.out
}

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "osint.db"))
	if err != nil {
		t.Fatalf("sqlite.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestIngest(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	scorer := scoring.New([]string{"drone", "無人機"}, []string{"giveaway"})
	tr := &stubTranslator{out: "無人機"}
	blocked := func(u string) bool { return u == "spamfeed" }
	p := pipeline.New(store, scorer, tr, 1, blocked)

	meta := pipeline.ChatMeta{ID: -100500, Title: "Frontline", Username: "frontline"}
	date := time.Date(2026, 8, 21, 9, 0, 0, 0, time.UTC)

	stored, err := p.Ingest(context.Background(), meta, pipeline.Message{
		ChatID: meta.ID, MsgID: 10, Date: date, Text: "Drone strike reported",
	})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if !stored {
		t.Fatal("Ingest() = false, want hit stored")
	}
	if tr.calls != 1 {
		t.Fatalf("translator calls = %d, want 1", tr.calls)
	}

	// Повтор того же сообщения режется дедупликацией до скоринга.
	stored, err = p.Ingest(context.Background(), meta, pipeline.Message{
		ChatID: meta.ID, MsgID: 10, Date: date, Text: "Drone strike reported",
	})
	if err != nil {
		t.Fatalf("Ingest() repeat error = %v", err)
	}
	if stored {
		t.Fatal("Ingest() repeat = true, want skipped")
	}
	if tr.calls != 1 {
		t.Fatalf("translator called on duplicate: calls = %d", tr.calls)
	}

	// Ниже порога — не сохраняется.
	if stored, _ = p.Ingest(context.Background(), meta, pipeline.Message{
		ChatID: meta.ID, MsgID: 11, Date: date, Text: "weather is fine",
	}); stored {
		t.Fatal("Ingest(low score) = true, want skipped")
	}

	// Негатив гасит совпадение.
	if stored, _ = p.Ingest(context.Background(), meta, pipeline.Message{
		ChatID: meta.ID, MsgID: 12, Date: date, Text: "drone giveaway, join now",
	}); stored {
		t.Fatal("Ingest(negative) = true, want skipped")
	}

	// Заблокированный источник отсекается после порога.
	blockedMeta := pipeline.ChatMeta{ID: -100700, Title: "Spam", Username: "spamfeed"}
	if stored, _ = p.Ingest(context.Background(), blockedMeta, pipeline.Message{
		ChatID: blockedMeta.ID, MsgID: 1, Date: date, Text: "drone news",
	}); stored {
		t.Fatal("Ingest(blocked) = true, want skipped")
	}

	if got := p.Stats.Total.Load(); got != 5 {
		t.Errorf("Stats.Total = %d, want 5", got)
	}
	if got := p.Stats.Hits.Load(); got != 1 {
		t.Errorf("Stats.Hits = %d, want 1", got)
	}
	if got := p.Stats.SkippedScored.Load(); got != 1 {
		t.Errorf("Stats.SkippedScored = %d, want 1", got)
	}
	if got := p.Stats.LowScore.Load(); got != 2 {
		t.Errorf("Stats.LowScore = %d, want 2", got)
	}
}

func TestIngestEmptyText(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	p := pipeline.New(store, scoring.New([]string{"drone"}, nil), &stubTranslator{}, 1, nil)

	stored, err := p.Ingest(context.Background(), pipeline.ChatMeta{ID: 1}, pipeline.Message{
		ChatID: 1, MsgID: 1, Date: time.Now(), Text: "",
	})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if stored {
		t.Fatal("Ingest(empty) = true, want skipped")
	}
}

func TestIngestURLOnlyForPublicChats(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	p := pipeline.New(store, scoring.New([]string{"drone"}, nil), &stubTranslator{}, 1, nil)

	meta := pipeline.ChatMeta{ID: -42, Title: "Private group"}
	if _, err := p.Ingest(context.Background(), meta, pipeline.Message{
		ChatID: meta.ID, MsgID: 5, Date: time.Now().UTC(), Text: "drone footage",
	}); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	scored, err := store.AlreadyScored(meta.ID, 5)
	if err != nil {
		t.Fatalf("AlreadyScored() error = %v", err)
	}
	if !scored {
		t.Fatal("hit from private chat not persisted")
	}
}
