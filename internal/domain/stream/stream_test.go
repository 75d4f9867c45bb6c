package stream_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/gotd/td/tg"

	"telegram-osint/internal/domain/pipeline"
	"telegram-osint/internal/domain/scoring"
	"telegram-osint/internal/domain/stream"
	"telegram-osint/internal/infra/concurrency"
	"telegram-osint/internal/infra/sqlite"
)

type nopTranslator struct{}

func (nopTranslator) Translate(context.Context, string, string) string { return "" }

func newStream(t *testing.T) (*stream.Service, tg.UpdateDispatcher, *sqlite.Store) {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "osint.db"))
	if err != nil {
		t.Fatalf("sqlite.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	pipe := pipeline.New(store, scoring.New([]string{"drone"}, nil), nopTranslator{}, 1, nil)
	svc := stream.New(pipe, concurrency.NewDeduplicator(120), nil)

	dispatcher := tg.NewUpdateDispatcher()
	svc.Attach(dispatcher)
	return svc, dispatcher, store
}

func channelUpdate(chatID int64, msgID, editDate int, text string) tg.UpdatesClass {
	return &tg.Updates{
		Updates: []tg.UpdateClass{
			&tg.UpdateNewChannelMessage{
				Message: &tg.Message{
					ID:       msgID,
					EditDate: editDate,
					PeerID:   &tg.PeerChannel{ChannelID: chatID},
					Date:     int(time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC).Unix()),
					Message:  text,
				},
			},
		},
		Chats: []tg.ChatClass{
			&tg.Channel{ID: chatID, Title: "Live feed", Username: "livefeed"},
		},
	}
}

func TestStreamPersistsArmedMessages(t *testing.T) {
	t.Parallel()

	svc, dispatcher, store := newStream(t)
	svc.Arm()

	if err := dispatcher.Handle(context.Background(), channelUpdate(500, 1, 0, "drone over the river")); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	scored, err := store.AlreadyScored(500, 1)
	if err != nil {
		t.Fatalf("AlreadyScored() error = %v", err)
	}
	if !scored {
		t.Fatal("armed message not persisted")
	}

	last, err := store.LastSeen(500)
	if err != nil {
		t.Fatalf("LastSeen() error = %v", err)
	}
	if last != 1 {
		t.Fatalf("LastSeen() = %d, want 1", last)
	}
}

func TestStreamDisarmedDropsMessages(t *testing.T) {
	t.Parallel()

	svc, dispatcher, store := newStream(t)
	// Поток не вооружён: апдейт отбрасывается, его добирает backfill.
	if err := dispatcher.Handle(context.Background(), channelUpdate(500, 1, 0, "drone over the river")); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if scored, _ := store.AlreadyScored(500, 1); scored {
		t.Fatal("disarmed message unexpectedly persisted")
	}

	svc.Arm()
	svc.Disarm()
	if err := dispatcher.Handle(context.Background(), channelUpdate(500, 2, 0, "drone again")); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if scored, _ := store.AlreadyScored(500, 2); scored {
		t.Fatal("message after Disarm unexpectedly persisted")
	}
}

func TestStreamTargetsFilter(t *testing.T) {
	t.Parallel()

	svc, dispatcher, store := newStream(t)
	svc.SetTargets([]int64{700})
	svc.Arm()

	if err := dispatcher.Handle(context.Background(), channelUpdate(500, 1, 0, "drone over the river")); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if scored, _ := store.AlreadyScored(500, 1); scored {
		t.Fatal("non-target chat unexpectedly persisted")
	}

	if err := dispatcher.Handle(context.Background(), channelUpdate(700, 1, 0, "drone over the river")); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if scored, _ := store.AlreadyScored(700, 1); !scored {
		t.Fatal("target chat message not persisted")
	}
}

// gateTranslator держит конвейер внутри обработчика, пока тест не отпустит.
type gateTranslator struct {
	entered chan struct{}
	release chan struct{}
}

func (g gateTranslator) Translate(context.Context, string, string) string {
	close(g.entered)
	<-g.release
	return ""
}

func TestStreamDisarmWaitsForInflight(t *testing.T) {
	t.Parallel()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "osint.db"))
	if err != nil {
		t.Fatalf("sqlite.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	gate := gateTranslator{entered: make(chan struct{}), release: make(chan struct{})}
	pipe := pipeline.New(store, scoring.New([]string{"drone"}, nil), gate, 1, nil)
	svc := stream.New(pipe, concurrency.NewDeduplicator(120), nil)

	dispatcher := tg.NewUpdateDispatcher()
	svc.Attach(dispatcher)
	svc.Arm()

	handled := make(chan struct{})
	go func() {
		_ = dispatcher.Handle(context.Background(), channelUpdate(500, 1, 0, "drone over the river"))
		close(handled)
	}()
	<-gate.entered

	disarmed := make(chan struct{})
	go func() {
		svc.Disarm()
		close(disarmed)
	}()

	// Пока обработчик в полёте, Disarm не возвращается.
	select {
	case <-disarmed:
		t.Fatal("Disarm returned with a handler in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(gate.release)
	select {
	case <-disarmed:
	case <-time.After(5 * time.Second):
		t.Fatal("Disarm did not return after handler completion")
	}
	<-handled

	if scored, _ := store.AlreadyScored(500, 1); !scored {
		t.Fatal("in-flight message not persisted")
	}
}

func TestStreamDedupWindow(t *testing.T) {
	t.Parallel()

	svc, dispatcher, store := newStream(t)
	svc.Arm()

	for i := 0; i < 2; i++ {
		if err := dispatcher.Handle(context.Background(), channelUpdate(500, 1, 0, "drone over the river")); err != nil {
			t.Fatalf("Handle() #%d error = %v", i, err)
		}
	}

	// Повтор погашен дедупликатором раньше конвейера, поэтому счётчик
	// конвейера видит сообщение один раз.
	if scored, _ := store.AlreadyScored(500, 1); !scored {
		t.Fatal("message not persisted")
	}
}
