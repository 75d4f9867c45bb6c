package sqlite_test

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"telegram-osint/internal/infra/sqlite"

	_ "modernc.org/sqlite"
)

func openStore(t *testing.T) (*sqlite.Store, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "osint.db")
	s, err := sqlite.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func sampleHit(msgID int) sqlite.Hit {
	return sqlite.Hit{
		ChatID:      -1001234,
		ChatTitle:   "OSINT feed",
		ChatUser:    "osintfeed",
		Date:        time.Date(2026, 8, 20, 10, 30, 0, 0, time.UTC),
		MsgID:       msgID,
		Text:        "UAV spotted near the border",
		Lang:        "en",
		MatchedJSON: `["uav"]`,
		Score:       2,
		URL:         "https://t.me/osintfeed/42",
		TextJA:      "",
	}
}

func TestPersistIdempotent(t *testing.T) {
	t.Parallel()

	s, path := openStore(t)
	hit := sampleHit(42)

	for i := 0; i < 3; i++ {
		if err := s.Persist(hit); err != nil {
			t.Fatalf("Persist() #%d error = %v", i, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM messages").Scan(&count); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if count != 1 {
		t.Fatalf("messages count = %d, want 1", count)
	}

	scored, err := s.AlreadyScored(hit.ChatID, hit.MsgID)
	if err != nil {
		t.Fatalf("AlreadyScored() error = %v", err)
	}
	if !scored {
		t.Fatal("AlreadyScored() = false, want true")
	}
}

func TestPersistKeepsTranslation(t *testing.T) {
	t.Parallel()

	s, path := openStore(t)

	withJA := sampleHit(7)
	withJA.TextJA = "国境付近で無人機を確認"
	if err := s.Persist(withJA); err != nil {
		t.Fatalf("Persist(withJA) error = %v", err)
	}

	// Повторная запись без перевода не должна стирать существующий.
	withoutJA := sampleHit(7)
	if err := s.Persist(withoutJA); err != nil {
		t.Fatalf("Persist(withoutJA) error = %v", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	var ja string
	err = db.QueryRow(
		"SELECT text_ja FROM messages WHERE chat_id = ? AND message_id = ?",
		withJA.ChatID, withJA.MsgID,
	).Scan(&ja)
	if err != nil {
		t.Fatalf("select text_ja: %v", err)
	}
	if ja != withJA.TextJA {
		t.Fatalf("text_ja = %q, want %q", ja, withJA.TextJA)
	}

	// Новый непустой перевод наоборот перезаписывает старый.
	updated := sampleHit(7)
	updated.TextJA = "別訳"
	if err := s.Persist(updated); err != nil {
		t.Fatalf("Persist(updated) error = %v", err)
	}
	if err := db.QueryRow(
		"SELECT text_ja FROM messages WHERE chat_id = ? AND message_id = ?",
		updated.ChatID, updated.MsgID,
	).Scan(&ja); err != nil {
		t.Fatalf("select text_ja after update: %v", err)
	}
	if ja != "別訳" {
		t.Fatalf("text_ja = %q, want %q", ja, "別訳")
	}
}

func TestWatermarkOnlyAdvances(t *testing.T) {
	t.Parallel()

	s, _ := openStore(t)

	if err := s.Persist(sampleHit(100)); err != nil {
		t.Fatalf("Persist(100) error = %v", err)
	}
	if err := s.Persist(sampleHit(50)); err != nil {
		t.Fatalf("Persist(50) error = %v", err)
	}

	last, err := s.LastSeen(-1001234)
	if err != nil {
		t.Fatalf("LastSeen() error = %v", err)
	}
	if last != 100 {
		t.Fatalf("LastSeen() = %d, want 100", last)
	}

	if err := s.Persist(sampleHit(150)); err != nil {
		t.Fatalf("Persist(150) error = %v", err)
	}
	if last, err = s.LastSeen(-1001234); err != nil {
		t.Fatalf("LastSeen() after advance error = %v", err)
	}
	if last != 150 {
		t.Fatalf("LastSeen() = %d, want 150", last)
	}
}

func TestLastSeenUnknownChat(t *testing.T) {
	t.Parallel()

	s, _ := openStore(t)

	last, err := s.LastSeen(999)
	if err != nil {
		t.Fatalf("LastSeen() error = %v", err)
	}
	if last != 0 {
		t.Fatalf("LastSeen() = %d, want 0", last)
	}
}

func TestOpenMigratesTextJA(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "legacy.db")

	// База старой схемы, до появления перевода.
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	legacy := `
CREATE TABLE messages (
    id INTEGER PRIMARY KEY,
    chat_id INTEGER,
    chat_title TEXT,
    chat_username TEXT,
    date TEXT,
    message_id INTEGER,
    text TEXT,
    lang TEXT,
    matched_keywords TEXT,
    score INTEGER,
    url TEXT
);
CREATE UNIQUE INDEX idx_messages_chat_msg ON messages(chat_id, message_id);`
	if _, err := db.Exec(legacy); err != nil {
		t.Fatalf("create legacy schema: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close legacy db: %v", err)
	}

	s, err := sqlite.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer func() { _ = s.Close() }()

	hit := sampleHit(1)
	hit.TextJA = "訳"
	if err := s.Persist(hit); err != nil {
		t.Fatalf("Persist() after migration error = %v", err)
	}
}

func TestPrimaryKeyDeterministic(t *testing.T) {
	t.Parallel()

	a := sqlite.PrimaryKey(-1001234, 42)
	b := sqlite.PrimaryKey(-1001234, 42)
	if a != b {
		t.Fatalf("PrimaryKey not deterministic: %d != %d", a, b)
	}
	if a < 0 {
		t.Fatalf("PrimaryKey = %d, want non-negative", a)
	}
	if c := sqlite.PrimaryKey(-1001234, 43); c == a {
		t.Fatalf("PrimaryKey collision for distinct messages: %d", c)
	}
}
