// Package stream — живой приём сообщений целевых каналов.
// Сервис вешает обработчики на диспетчер апдейтов gotd и прогоняет каждое
// новое сообщение через общий конвейер обработки. Приём управляется
// супервизором: на время обслуживания поток разоружается (Disarm), после —
// вооружается заново с обновлённым списком целей; апдейты, пришедшие в
// разоружённом состоянии, молча отбрасываются — их доберёт backfill по
// вотермарке.
package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gotd/td/tg"

	"telegram-osint/internal/domain/pipeline"
	"telegram-osint/internal/infra/concurrency"
	"telegram-osint/internal/infra/logger"
	"telegram-osint/internal/support/debug"
	"telegram-osint/internal/tgutil"
)

// stopGrace — сколько Stop ждёт завершения обработчиков в полёте.
const stopGrace = 10 * time.Second

// Service — живой поток. Потокобезопасен: обработчики зовутся из горутин
// диспетчера апдейтов.
type Service struct {
	pipe  *pipeline.Pipeline
	dedup *concurrency.Deduplicator
	meta  func(id int64) (title, username string, ok bool)

	armed    atomic.Bool
	mu       sync.Mutex
	targets  map[int64]struct{}
	inflight sync.WaitGroup
}

// New собирает сервис живого потока. meta возвращает метаданные чата из
// кеша резолвера; nil означает «метаданных нет» (URL и заголовок будут
// пустыми до следующего обслуживания).
func New(pipe *pipeline.Pipeline, dedup *concurrency.Deduplicator,
	meta func(id int64) (title, username string, ok bool)) *Service {
	if meta == nil {
		meta = func(int64) (string, string, bool) { return "", "", false }
	}
	return &Service{
		pipe:    pipe,
		dedup:   dedup,
		meta:    meta,
		targets: make(map[int64]struct{}),
	}
}

// Attach регистрирует обработчики на диспетчере апдейтов. Вызывается один
// раз при сборке клиента, до запуска приёма.
func (s *Service) Attach(dispatcher tg.UpdateDispatcher) {
	dispatcher.OnNewMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		s.handle(ctx, e, u.Message)
		return nil
	})
	dispatcher.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		s.handle(ctx, e, u.Message)
		return nil
	})
}

// SetTargets заменяет набор целевых чатов. Пустой набор принимает все
// чаты: до первого обслуживания цели ещё неизвестны, а терять живой
// поток сидов не хочется.
func (s *Service) SetTargets(ids []int64) {
	targets := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		targets[id] = struct{}{}
	}
	s.mu.Lock()
	s.targets = targets
	s.mu.Unlock()
	logger.Debugf("stream: %d target chats", len(targets))
}

// Arm включает приём апдейтов.
func (s *Service) Arm() {
	if s.armed.CompareAndSwap(false, true) {
		logger.Info("stream: armed")
	}
}

// Disarm выключает приём и дожидается обработчиков в полёте, но не дольше
// stopGrace: зависший перевод не должен держать обслуживание вечно.
func (s *Service) Disarm() {
	if !s.armed.CompareAndSwap(true, false) {
		return
	}

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("stream: disarmed")
	case <-time.After(stopGrace):
		logger.Warn("stream: disarm grace expired with handlers in flight")
	}
}

// Armed сообщает, принимает ли поток апдейты. Используется консолью.
func (s *Service) Armed() bool {
	return s.armed.Load()
}

func (s *Service) handle(ctx context.Context, e tg.Entities, m tg.MessageClass) {
	// Регистрация в полёте раньше проверки armed: обработчик, прошедший
	// проверку, уже виден Disarm через inflight.Wait.
	s.inflight.Add(1)
	defer s.inflight.Done()

	if !s.armed.Load() {
		return
	}

	msg, ok := m.(*tg.Message)
	if !ok || msg.Out {
		return
	}

	chatID := tgutil.GetPeerID(msg.PeerID)
	if chatID == 0 {
		return
	}

	s.mu.Lock()
	_, targeted := s.targets[chatID]
	allowAll := len(s.targets) == 0
	s.mu.Unlock()
	if !targeted && !allowAll {
		return
	}

	if s.dedup.DedupSeen(chatID, msg.ID, msg.EditDate) {
		return
	}

	debug.PrintMessage(chatID, msg)

	meta := s.chatMeta(chatID, e)
	_, err := s.pipe.Ingest(ctx, meta, pipeline.Message{
		ChatID: chatID,
		MsgID:  msg.ID,
		Date:   tgutil.MessageTime(msg),
		Text:   tgutil.ExtractText(m),
	})
	if err != nil {
		logger.Warnf("stream: ingest %d/%d: %v", chatID, msg.ID, err)
	}
}

// chatMeta собирает метаданные чата: сперва из сущностей апдейта, затем
// из кеша резолвера.
func (s *Service) chatMeta(chatID int64, e tg.Entities) pipeline.ChatMeta {
	if ch, ok := e.Channels[chatID]; ok {
		return pipeline.ChatMeta{ID: chatID, Title: ch.Title, Username: ch.Username}
	}
	if ch, ok := e.Chats[chatID]; ok {
		return pipeline.ChatMeta{ID: chatID, Title: ch.Title}
	}
	if title, username, ok := s.meta(chatID); ok {
		return pipeline.ChatMeta{ID: chatID, Title: title, Username: username}
	}
	return pipeline.ChatMeta{ID: chatID}
}
