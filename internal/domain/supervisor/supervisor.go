// Package supervisor — координация живого потока и фонового обслуживания.
// Обслуживание (дискавери, обход, догрузка истории, обновление сущностей)
// никогда не идёт одновременно с вооружённым живым потоком: на время
// прохода поток разоружается, после — вооружается заново с обновлённым
// списком целей. Пропущенные за это время сообщения добирает догрузка по
// вотермарке, поэтому пауза потока ничего не теряет.
package supervisor

import (
	"context"
	"sync"
	"time"

	"telegram-osint/internal/infra/config"
	"telegram-osint/internal/infra/logger"
	"telegram-osint/internal/shared"
	"telegram-osint/internal/telegram/resolver"
)

// pollSlice — шаг ожидания цикла обслуживания. Длинный интервал нарезается
// на короткие отрезки, чтобы остановка не ждала весь интервал.
const pollSlice = 5 * time.Second

// Live — срез живого потока.
type Live interface {
	Arm()
	Disarm()
	SetTargets(ids []int64)
}

// Discoverer — срез дискавери: один проход, список найденных @username.
type Discoverer interface {
	Run(ctx context.Context) []string
}

// CrawlRunner — срез краулера: проход от сидов, список принятых @username.
type CrawlRunner interface {
	Run(ctx context.Context, seeds []string) []string
}

// Backfiller — срез догрузки истории.
type Backfiller interface {
	Run(ctx context.Context, refs []string, newOnly bool)
}

// Channels — срез резолвера для сборки целей и обновления сущностей.
type Channels interface {
	Resolve(ctx context.Context, ref string) (resolver.Entity, error)
	EnsureJoin(ctx context.Context, ent resolver.Entity)
	Refresh(ctx context.Context)
}

// Service — супервизор коллектора.
type Service struct {
	live     Live
	disc     Discoverer
	crawler  CrawlRunner
	backfill Backfiller
	channels Channels
	cfg      *config.Config
	ckpt     *Checkpoint

	// maintMu сериализует проходы обслуживания между собой и с ручным
	// запуском из консоли.
	maintMu sync.Mutex

	loopMu     sync.Mutex
	loopCancel context.CancelFunc
	loopWG     sync.WaitGroup
}

// New собирает супервизор.
func New(live Live, disc Discoverer, crawler CrawlRunner, backfill Backfiller,
	channels Channels, cfg *config.Config) *Service {
	return &Service{
		live:     live,
		disc:     disc,
		crawler:  crawler,
		backfill: backfill,
		channels: channels,
		cfg:      cfg,
	}
}

// SetCheckpoint подключает контрольную точку обслуживания. Без неё супервизор
// работает как раньше, просто не переживая рестарты.
func (s *Service) SetCheckpoint(c *Checkpoint) {
	s.ckpt = c
}

// RestoreTargets загружает цели из контрольной точки и сразу отдаёт их живому
// потоку. Возвращает число восстановленных целей; 0 — точки нет или она пуста.
func (s *Service) RestoreTargets() int {
	if s.ckpt == nil {
		return 0
	}
	st, err := s.ckpt.Snapshot()
	if err != nil {
		logger.Warnf("supervisor: restore checkpoint: %v", err)
		return 0
	}
	if len(st.ChatIDs) == 0 {
		return 0
	}
	s.live.SetTargets(st.ChatIDs)
	logger.Infof("supervisor: restored %d targets from checkpoint", len(st.ChatIDs))
	return len(st.ChatIDs)
}

// StartLive вооружает живой поток. Повторные вызовы безопасны.
func (s *Service) StartLive() {
	s.live.Arm()
}

// StopLive разоружает живой поток и дожидается обработчиков в полёте.
func (s *Service) StopLive() {
	s.live.Disarm()
}

// MaintenanceOnce выполняет один проход обслуживания. Живой поток на время
// прохода разоружается и вооружается заново в конце, даже при отмене
// контекста посреди прохода.
func (s *Service) MaintenanceOnce(ctx context.Context) {
	s.maintMu.Lock()
	defer s.maintMu.Unlock()

	started := time.Now()
	logger.Info("maintenance: pass started")

	s.live.Disarm()
	defer s.live.Arm()

	targets, ids := s.collectTargets(ctx, s.cfg.Maintenance.RunDiscover, s.cfg.Maintenance.RunCrawl)
	s.backfill.Run(ctx, targets, s.cfg.Maintenance.BackfillNewOnly)
	s.channels.Refresh(ctx)
	s.live.SetTargets(ids)
	s.recordCheckpoint(targets, ids)

	logger.Infof("maintenance: pass finished in %s, %d targets", time.Since(started).Round(time.Second), len(targets))
}

// BootstrapTargets — одноразовая сборка целей для пакетных этапов CLI:
// опциональное дискавери, обход (если включён в конфиге), затем вступление
// во все цели. Живой поток не трогается; результат записывается в
// контрольную точку, чтобы следующий живой запуск начал с этих же целей.
func (s *Service) BootstrapTargets(ctx context.Context, discover bool) ([]string, []int64) {
	s.maintMu.Lock()
	defer s.maintMu.Unlock()

	targets, ids := s.collectTargets(ctx, discover, true)
	s.recordCheckpoint(targets, ids)
	return targets, ids
}

// collectTargets собирает список целей: сиды плюс (опционально) находки
// дискавери и обхода, затем вступление. Обход сам выключен при
// crawl.enabled=false, поэтому runCrawl лишь разрешает попытку.
func (s *Service) collectTargets(ctx context.Context, runDiscover, runCrawl bool) ([]string, []int64) {
	var found []string
	if runDiscover {
		found = s.disc.Run(ctx)
	}

	targets := canonRefs(append(append([]string{}, s.cfg.SeedChannels...), found...))
	if runCrawl {
		crawled := s.crawler.Run(ctx, targets)
		targets = canonRefs(append(targets, crawled...))
	}

	return targets, s.joinTargets(ctx, targets)
}

func (s *Service) recordCheckpoint(targets []string, ids []int64) {
	if s.ckpt == nil {
		return
	}
	if err := s.ckpt.Record(targets, ids); err != nil {
		logger.Warnf("maintenance: save checkpoint: %v", err)
	}
}

// canonRefs приводит ссылки разных форм (@имя, голое имя, t.me/имя) к
// единому виду и дедуплицирует с сохранением порядка.
func canonRefs(refs []string) []string {
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		n := resolver.NormalizeRef(ref)
		if n == "" {
			continue
		}
		if !resolver.IsInvite(n) {
			n = "@" + n
		}
		out = append(out, n)
	}
	return shared.Unique(out)
}

// joinTargets резолвит цели, вступает в каналы и возвращает их chat id
// для фильтра живого потока. Нерезолвящиеся цели пропускаются.
func (s *Service) joinTargets(ctx context.Context, targets []string) []int64 {
	ids := make([]int64, 0, len(targets))
	for _, ref := range targets {
		if ctx.Err() != nil {
			break
		}
		ent, err := s.channels.Resolve(ctx, ref)
		if err != nil {
			logger.Warnf("maintenance: resolve %s: %v", ref, err)
			continue
		}
		if s.cfg.IsBlocked(ent.Username) {
			continue
		}
		s.channels.EnsureJoin(ctx, ent)
		ids = append(ids, ent.ID)
	}
	return ids
}

// StartLoop запускает фоновый цикл обслуживания с интервалом из конфига.
// Нулевой или отрицательный интервал выключает цикл. Повторные вызовы
// при работающем цикле игнорируются.
func (s *Service) StartLoop(ctx context.Context) {
	interval := time.Duration(s.cfg.Maintenance.IntervalSec) * time.Second
	if interval <= 0 {
		logger.Info("maintenance: loop disabled (interval_sec <= 0)")
		return
	}

	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	if s.loopCancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.loopCancel = cancel
	s.loopWG.Go(func() {
		logger.Infof("maintenance: loop started, interval %s", interval)
		wait := s.firstDelay(interval)
		for {
			if !sleepSliced(loopCtx, wait) {
				return
			}
			s.MaintenanceOnce(loopCtx)
			wait = interval
		}
	})
}

// StopLoop останавливает фоновый цикл и дожидается его завершения.
func (s *Service) StopLoop() {
	s.loopMu.Lock()
	cancel := s.loopCancel
	s.loopCancel = nil
	s.loopMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.loopWG.Wait()
}

// Shutdown останавливает живой поток и цикл обслуживания. Ошибок не
// возвращает: остановка при выключении процесса должна дойти до конца.
func (s *Service) Shutdown() {
	s.StopLive()
	s.StopLoop()
	logger.Info("supervisor: shut down")
}

// firstDelay укорачивает первое ожидание цикла, если по контрольной точке
// видно, что с последнего прохода прошла часть интервала.
func (s *Service) firstDelay(interval time.Duration) time.Duration {
	if s.ckpt == nil {
		return interval
	}
	st, err := s.ckpt.Snapshot()
	if err != nil || st.LastRun.IsZero() {
		return interval
	}
	elapsed := time.Since(st.LastRun)
	if elapsed >= interval {
		return 0
	}
	return interval - elapsed
}

// sleepSliced ждёт d отрезками pollSlice, возвращая false при отмене.
func sleepSliced(ctx context.Context, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return true
		}
		if remain > pollSlice {
			remain = pollSlice
		}
		t := time.NewTimer(remain)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
	}
}
