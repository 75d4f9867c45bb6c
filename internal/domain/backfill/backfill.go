// Package backfill — догрузка истории каналов выше вотермарки.
// Для каждого канала читается хвост истории новее последнего сохранённого
// message_id и прогоняется через общий конвейер обработки. Повторный
// запуск по тем же каналам ничего не дублирует: вотермарка и уникальный
// индекс хранилища делают проход идемпотентным.
package backfill

import (
	"context"
	"time"

	"telegram-osint/internal/domain/pipeline"
	"telegram-osint/internal/infra/config"
	"telegram-osint/internal/infra/logger"
	"telegram-osint/internal/telegram/resolver"
)

// Resolver — срез резолвера для перевода ссылок в сущности.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (resolver.Entity, error)
}

// History — срез клиента Telegram: сообщения канала с id выше minID,
// не больше limit, в любом порядке.
type History interface {
	History(ctx context.Context, ent resolver.Entity, limit, minID int) ([]pipeline.Message, error)
}

// Watermarks — срез хранилища для чтения вотермарок.
type Watermarks interface {
	LastSeen(chatID int64) (int, error)
}

// Service выполняет проходы догрузки истории.
type Service struct {
	res     Resolver
	hist    History
	marks   Watermarks
	pipe    *pipeline.Pipeline
	limit   int
	blocked func(username string) bool

	maxWaitFlood int
	floodPadding int

	// Sleep реализует паузу FLOOD_WAIT; заменяется в тестах.
	Sleep func(ctx context.Context, d time.Duration) error
}

// New собирает сервис догрузки. blocked может быть nil.
func New(res Resolver, hist History, marks Watermarks, pipe *pipeline.Pipeline,
	cfg *config.Config) *Service {
	return &Service{
		res:          res,
		hist:         hist,
		marks:        marks,
		pipe:         pipe,
		limit:        cfg.Collect.BackfillLimit,
		blocked:      cfg.IsBlocked,
		maxWaitFlood: cfg.Discovery.Crawl.MaxWaitOnFloodS,
		floodPadding: cfg.Discovery.Crawl.FloodwaitPaddingS,
		Sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

// Run догружает историю перечисленных каналов. newOnly ограничивает проход
// каналами без вотермарки (ещё не собиравшимися). Ошибка одного канала не
// прерывает остальные; прерывает только отмена контекста.
func (s *Service) Run(ctx context.Context, refs []string, newOnly bool) {
	for _, ref := range refs {
		if ctx.Err() != nil {
			return
		}
		if err := s.backfillOne(ctx, ref, newOnly); err != nil {
			logger.Warnf("backfill: %s: %v", ref, err)
		}
	}
}

func (s *Service) backfillOne(ctx context.Context, ref string, newOnly bool) error {
	ent, err := s.res.Resolve(ctx, ref)
	if err != nil {
		return err
	}
	if s.blocked(ent.Username) {
		logger.Debugf("backfill: skip block-listed @%s", ent.Username)
		return nil
	}

	lastSeen, err := s.marks.LastSeen(ent.ID)
	if err != nil {
		return err
	}

	// new-only: только сообщения выше вотермарки; полный проход читает
	// всю глубину лимита, давая перескорить старое окно.
	minID := 0
	if newOnly {
		minID = lastSeen
	}

	msgs, err := s.historyWithRetry(ctx, ent, minID)
	if err != nil {
		return err
	}

	meta := pipeline.ChatMeta{ID: ent.ID, Title: ent.Title, Username: ent.Username}
	stored := 0
	for _, msg := range msgs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Страховка от источников, игнорирующих minID.
		if newOnly && msg.MsgID <= lastSeen {
			continue
		}
		hit, err := s.pipe.Ingest(ctx, meta, msg)
		if err != nil {
			logger.Warnf("backfill: ingest %s/%d: %v", ref, msg.MsgID, err)
			continue
		}
		if hit {
			stored++
		}
	}

	logger.Debugf("backfill: %s done, %d hits of %d messages (%s)",
		ref, stored, len(msgs), s.pipe.Stats.Snapshot())
	return nil
}

// historyWithRetry читает историю с единой политикой FLOOD_WAIT:
// высиживаемое ожидание — пауза с добивкой и один повтор.
func (s *Service) historyWithRetry(ctx context.Context, ent resolver.Entity, minID int) ([]pipeline.Message, error) {
	msgs, err := s.hist.History(ctx, ent, s.limit, minID)
	if err == nil {
		return msgs, nil
	}

	seconds, ok := resolver.AsFloodWait(err)
	if !ok || seconds > s.maxWaitFlood {
		return nil, err
	}

	wait := time.Duration(seconds+s.floodPadding) * time.Second
	logger.Debugf("backfill: FLOOD_WAIT %ds on %s, sleeping %s", seconds, entRef(ent), wait)
	if err := s.Sleep(ctx, wait); err != nil {
		return nil, err
	}
	return s.hist.History(ctx, ent, s.limit, minID)
}

func entRef(ent resolver.Entity) string {
	if ent.Username != "" {
		return "@" + ent.Username
	}
	return "chat"
}
