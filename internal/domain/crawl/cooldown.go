package crawl

import (
	"sync"
	"time"

	"telegram-osint/internal/infra/clock"
)

// Cooldown — карантин низкокачественных каналов. Канал, не прошедший
// ворота качества, не трогается повторными проходами обхода до истечения
// срока. Просроченные записи убираются лениво при проверке.
type Cooldown struct {
	now clock.Func

	mu    sync.Mutex
	until map[int64]time.Time
}

// NewCooldown создаёт карантин. now == nil означает реальное время.
func NewCooldown(now clock.Func) *Cooldown {
	if now == nil {
		now = clock.NowUTC
	}
	return &Cooldown{
		now:   now,
		until: make(map[int64]time.Time),
	}
}

// Block ставит канал в карантин на d. Неположительная длительность
// не ставит ничего: карантин с нулевым сроком бессмыслен.
func (c *Cooldown) Block(chatID int64, d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.until[chatID] = c.now().Add(d)
	c.mu.Unlock()
}

// Blocked сообщает, находится ли канал в карантине, попутно убирая
// просроченную запись.
func (c *Cooldown) Blocked(chatID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := c.until[chatID]
	if !ok {
		return false
	}
	if !c.now().Before(deadline) {
		delete(c.until, chatID)
		return false
	}
	return true
}

// Len возвращает число каналов в карантине, включая просроченные,
// ещё не вычищенные лениво. Используется консолью для статуса.
func (c *Cooldown) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.until)
}
