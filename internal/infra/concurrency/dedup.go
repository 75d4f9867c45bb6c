// Package concurrency — вспомогательная инфраструктура конкурентного
// исполнения. Deduplicator — потокобезопасный кэш «недавно видели»,
// подавляющий повторную обработку апдейтов живого потока: Telegram может
// доставить одно сообщение дважды (gap-recovery менеджера апдейтов,
// частые правки), а конвейер должен обработать его один раз.
package concurrency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"telegram-osint/internal/infra/logger"
)

// Deduplicator хранит сигнатуры недавно обработанных событий. Ключ —
// `<chatID>:<msgID>:<editDate>`: правка сообщения меняет editDate и
// снимает дедупликацию для нового текста. Потокобезопасен.
type Deduplicator struct {
	mu     sync.Mutex           // защищает seen от параллельных горутин диспетчера.
	seen   map[string]time.Time // key -> expireAt.
	window time.Duration        // окно подавления повторов.

	runMu  sync.Mutex         // защищает старт/остановку фоновой очистки.
	cancel context.CancelFunc // завершает цикл очистки, если он запущен.
	wg     sync.WaitGroup     // дожидается завершения фоновой горутины.
}

// NewDeduplicator создаёт кэш с окном windowSec секунд. Нулевое окно
// подавляет повторы только в пределах одного тика времени, на практике
// окно должно быть положительным.
func NewDeduplicator(windowSec int) *Deduplicator {
	return &Deduplicator{
		seen:   make(map[string]time.Time),
		window: time.Duration(windowSec) * time.Second,
	}
}

// Start поднимает фоновую горутину очистки устаревших ключей. Повторные
// вызовы безопасны и игнорируются.
func (d *Deduplicator) Start(ctx context.Context) {
	if ctx == nil {
		return
	}

	d.runMu.Lock()
	defer d.runMu.Unlock()

	if d.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.wg.Go(func() {
		// Раз в минуту вычищаем просроченные записи, иначе карта растёт
		// со скоростью живого потока.
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				d.DedupCleanup()
			}
		}
	})
}

// Stop завершает фоновую очистку и дожидается её окончания.
func (d *Deduplicator) Stop() {
	d.runMu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.runMu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	d.wg.Wait()
}

// DedupSeen сообщает, видели ли событие с этой сигнатурой в пределах окна.
// Возвращает true для повтора, иначе регистрирует событие и возвращает false.
func (d *Deduplicator) DedupSeen(chatID int64, msgID int, editDate int) bool {
	key := fmt.Sprintf("%d:%d:%d", chatID, msgID, editDate)

	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if exp, ok := d.seen[key]; ok && now.Before(exp) {
		logger.Debugf("dedup seen: %s", key)
		return true
	}
	d.seen[key] = now.Add(d.window)
	return false
}

// DedupCleanup удаляет записи с истёкшим сроком. Вызывается фоново через
// Start и синхронно из тестов.
func (d *Deduplicator) DedupCleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for k, exp := range d.seen {
		if now.After(exp) {
			delete(d.seen, k)
		}
	}
}
