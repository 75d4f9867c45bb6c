// Package sqlite — локальное хранилище найденных сообщений и вотермарок.
// Одна таблица messages с уникальным индексом (chat_id, message_id) и
// таблица state с последним сохранённым message_id на чат. Запись идёт
// идемпотентным upsert'ом: повторная загрузка того же окна истории не
// плодит строк и не откатывает уже полученный перевод.
//
// Драйвер — чистый Go (modernc.org/sqlite), поэтому бинарник собирается
// без cgo. Пишет в базу только конвейер коллектора; просмотрщик читает
// файл независимым соединением, отсюда WAL.
package sqlite

import (
	"database/sql"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"telegram-osint/internal/infra/logger"
	"telegram-osint/internal/infra/storage"

	_ "modernc.org/sqlite"
)

// Hit — строка таблицы messages: одно сообщение, прошедшее порог скоринга.
// TextJA может быть пустым (перевод выключен или не удался); существующее
// непустое значение при upsert'е не затирается.
type Hit struct {
	ChatID      int64
	ChatTitle   string
	ChatUser    string
	Date        time.Time
	MsgID       int
	Text        string
	Lang        string
	MatchedJSON string
	Score       int
	URL         string
	TextJA      string
}

// Store — хранилище поверх одного соединения database/sql.
type Store struct {
	db *sql.DB
}

const sqlCreate = `
CREATE TABLE IF NOT EXISTS messages (
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
    url TEXT,
    text_ja TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_chat_msg ON messages(chat_id, message_id);

CREATE TABLE IF NOT EXISTS state (
    chat_id INTEGER PRIMARY KEY,
    last_msg_id INTEGER,
    last_date TEXT
);`

// sqlUpsertMsg перезаписывает все колонки, кроме text_ja: перевод монотонен,
// пустое значение никогда не затирает уже полученное. Наивный upsert терял
// бы переводы при повторном backfill'е того же окна.
const sqlUpsertMsg = `
INSERT INTO messages(
  id, chat_id, chat_title, chat_username, date, message_id, text, lang, matched_keywords, score, url, text_ja
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  chat_title       = excluded.chat_title,
  chat_username    = excluded.chat_username,
  date             = excluded.date,
  text             = excluded.text,
  lang             = excluded.lang,
  matched_keywords = excluded.matched_keywords,
  score            = excluded.score,
  url              = excluded.url,
  text_ja          = CASE
                       WHEN (excluded.text_ja IS NOT NULL AND excluded.text_ja <> '')
                       THEN excluded.text_ja
                       ELSE messages.text_ja
                     END;`

// sqlUpsertState двигает вотермарку только вперёд: меньший last_msg_id
// игнорируется, last_date всегда парный выигравшему id.
const sqlUpsertState = `
INSERT INTO state(chat_id, last_msg_id, last_date)
VALUES (?, ?, ?)
ON CONFLICT(chat_id) DO UPDATE SET
  last_msg_id = CASE WHEN excluded.last_msg_id > state.last_msg_id OR state.last_msg_id IS NULL
                     THEN excluded.last_msg_id ELSE state.last_msg_id END,
  last_date   = CASE WHEN excluded.last_msg_id > state.last_msg_id OR state.last_msg_id IS NULL
                     THEN excluded.last_date   ELSE state.last_date   END;`

// Open открывает (или создаёт) базу по указанному пути, настраивает PRAGMA
// и применяет схему. Соединение одно: пишет только задача конвейера,
// database/sql дополнительно сериализует редкие пересечения.
func Open(path string) (*Store, error) {
	if err := storage.EnsureDir(path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA cache_size=-20000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "apply %s", strings.TrimSuffix(pragma, ";"))
		}
	}

	if _, err := db.Exec(sqlCreate); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}

	s := &Store{db: db}
	s.migrateTextJA()
	return s, nil
}

// migrateTextJA добавляет колонку text_ja в базы, созданные до появления
// перевода. Миграция best-effort: ошибка логируется, но не роняет запуск —
// без колонки откажет только сам upsert, и это будет видно в логах.
func (s *Store) migrateTextJA() {
	rows, err := s.db.Query("PRAGMA table_info(messages)")
	if err != nil {
		logger.Warnf("sqlite: table_info failed: %v", err)
		return
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			logger.Warnf("sqlite: scan table_info: %v", err)
			return
		}
		if name == "text_ja" {
			return
		}
	}
	if err := rows.Err(); err != nil {
		logger.Warnf("sqlite: table_info rows: %v", err)
		return
	}

	if _, err := s.db.Exec("ALTER TABLE messages ADD COLUMN text_ja TEXT;"); err != nil {
		logger.Warnf("sqlite: add text_ja column: %v", err)
		return
	}
	logger.Info("sqlite: migrated schema, added text_ja column")
}

// Close закрывает соединение с базой.
func (s *Store) Close() error {
	return s.db.Close()
}

// AlreadyScored проверяет, сохранено ли сообщение (chat_id, message_id).
// Проверка идёт по уникальному индексу, это дешёвый выход из конвейера
// для уже обработанных сообщений.
func (s *Store) AlreadyScored(chatID int64, msgID int) (bool, error) {
	var one int
	err := s.db.QueryRow(
		"SELECT 1 FROM messages WHERE chat_id = ? AND message_id = ? LIMIT 1",
		chatID, msgID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "already scored")
	}
	return true, nil
}

// LastSeen возвращает вотермарку чата (последний сохранённый message_id)
// или 0, если чат ещё не встречался.
func (s *Store) LastSeen(chatID int64) (int, error) {
	var last sql.NullInt64
	err := s.db.QueryRow("SELECT last_msg_id FROM state WHERE chat_id = ?", chatID).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "last seen")
	}
	if !last.Valid {
		return 0, nil
	}
	return int(last.Int64), nil
}

// Persist сохраняет сообщение и продвигает вотермарку одной транзакцией.
// Нарушение уникальности (гонка конкурентной вставки того же сообщения)
// считается успехом: строка уже на месте.
func (s *Store) Persist(hit Hit) error {
	dateUTC := hit.Date.UTC().Format(time.RFC3339)

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(sqlUpsertMsg,
		PrimaryKey(hit.ChatID, hit.MsgID), hit.ChatID, hit.ChatTitle, hit.ChatUser,
		dateUTC, hit.MsgID, hit.Text, hit.Lang, hit.MatchedJSON, hit.Score, hit.URL, hit.TextJA,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return errors.Wrap(err, "upsert message")
	}

	if _, err = tx.Exec(sqlUpsertState, hit.ChatID, hit.MsgID, dateUTC); err != nil {
		return errors.Wrap(err, "upsert state")
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit")
	}
	return nil
}

// PrimaryKey детерминированно выводит первичный ключ строки из пары
// (chat_id, message_id): FNV-1a по строке "chat:msg", обрезанный до
// неотрицательного 31-битного значения.
func PrimaryKey(chatID int64, msgID int) int64 {
	h := fnv.New32a()
	_, _ = fmt.Fprintf(h, "%d:%d", chatID, msgID)
	return int64(h.Sum32() & 0x7fffffff)
}

// isUniqueViolation распознаёт нарушение уникального индекса по тексту
// ошибки. Сравнение по подстроке намеренно: оно не привязывает остальной
// код к типам ошибок конкретного драйвера.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}
