// Package pipeline — общий путь обработки одного сообщения.
// Backfill и живой поток отличаются только источником сообщений; всё
// после получения (дедупликация, скоринг, порог, блок-лист, язык,
// перевод, запись) обязано быть одинаковым, иначе одно и то же
// сообщение обрабатывалось бы по-разному в зависимости от пути прихода.
package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"

	"telegram-osint/internal/domain/lang"
	"telegram-osint/internal/domain/scoring"
	"telegram-osint/internal/domain/translate"
	"telegram-osint/internal/infra/sqlite"
)

// Message — входное сообщение конвейера. Text уже извлечён из апдейта
// или элемента истории; сервисные сообщения сюда не попадают.
type Message struct {
	ChatID int64
	MsgID  int
	Date   time.Time
	Text   string
}

// ChatMeta — метаданные чата-источника на момент обработки.
type ChatMeta struct {
	ID       int64
	Title    string
	Username string
}

// Store — срез хранилища, нужный конвейеру.
type Store interface {
	AlreadyScored(chatID int64, msgID int) (bool, error)
	Persist(hit sqlite.Hit) error
}

// Stats — счётчики обработки. Живой поток пишет из горутин диспетчера,
// backfill читает срез в конце прохода, отсюда атомики.
type Stats struct {
	Total         atomic.Int64
	Hits          atomic.Int64
	SkippedScored atomic.Int64
	LowScore      atomic.Int64
}

// Snapshot возвращает значения счётчиков одной строкой для debug-лога.
func (s *Stats) Snapshot() string {
	return fmt.Sprintf("total=%d hits=%d skipped_scored=%d low_score=%d",
		s.Total.Load(), s.Hits.Load(), s.SkippedScored.Load(), s.LowScore.Load())
}

// Pipeline прогоняет сообщения через скоринг и сохраняет попадания.
type Pipeline struct {
	store      Store
	scorer     *scoring.Scorer
	translator translate.Translator
	threshold  int
	blocked    func(username string) bool

	Stats Stats
}

// New собирает конвейер. blocked может быть nil — тогда блок-лист пуст.
func New(store Store, scorer *scoring.Scorer, translator translate.Translator, threshold int, blocked func(string) bool) *Pipeline {
	if blocked == nil {
		blocked = func(string) bool { return false }
	}
	return &Pipeline{
		store:      store,
		scorer:     scorer,
		translator: translator,
		threshold:  threshold,
		blocked:    blocked,
	}
}

// Ingest обрабатывает одно сообщение и возвращает true, если оно
// сохранено как попадание. Порядок проверок фиксирован: дедупликация
// раньше скоринга (уже сохранённое не скорим заново), блок-лист после
// порога (счётчик low_score не зависит от блок-листа).
func (p *Pipeline) Ingest(ctx context.Context, meta ChatMeta, msg Message) (bool, error) {
	p.Stats.Total.Add(1)

	if msg.Text == "" {
		return false, nil
	}

	scored, err := p.store.AlreadyScored(msg.ChatID, msg.MsgID)
	if err != nil {
		return false, errors.Wrap(err, "check already scored")
	}
	if scored {
		p.Stats.SkippedScored.Add(1)
		return false, nil
	}

	res := p.scorer.Score(msg.Text)
	if res.Score < p.threshold {
		p.Stats.LowScore.Add(1)
		return false, nil
	}

	if p.blocked(meta.Username) {
		return false, nil
	}

	url := ""
	if meta.Username != "" {
		url = fmt.Sprintf("https://t.me/%s/%d", meta.Username, msg.MsgID)
	}

	code := lang.Detect(msg.Text)

	hit := sqlite.Hit{
		ChatID:      msg.ChatID,
		ChatTitle:   meta.Title,
		ChatUser:    meta.Username,
		Date:        msg.Date,
		MsgID:       msg.MsgID,
		Text:        msg.Text,
		Lang:        code,
		MatchedJSON: scoring.MatchedJSON(res.Hits),
		Score:       res.Score,
		URL:         url,
		TextJA:      p.translator.Translate(ctx, msg.Text, code),
	}
	if err := p.store.Persist(hit); err != nil {
		return false, errors.Wrap(err, "persist hit")
	}

	p.Stats.Hits.Add(1)
	return true, nil
}
