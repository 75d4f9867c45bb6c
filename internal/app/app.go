// Package app — верхний уровень сборки и инициализации коллектора.
// Здесь связываются конфигурация, сетевой слой (gotd/telegram), диспетчер
// апдейтов, хранилище находок и доменные сервисы: скоринг, дискавери,
// обход, догрузка истории, живой поток и супервизор обслуживания.
// Отсюда стартует цикл обработки событий и обеспечивается корректный shutdown.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"telegram-osint/internal/adapters/telegram/core"
	"telegram-osint/internal/domain/backfill"
	"telegram-osint/internal/domain/crawl"
	"telegram-osint/internal/domain/discovery"
	"telegram-osint/internal/domain/pipeline"
	"telegram-osint/internal/domain/scoring"
	"telegram-osint/internal/domain/stream"
	"telegram-osint/internal/domain/supervisor"
	"telegram-osint/internal/domain/translate"
	"telegram-osint/internal/infra/concurrency"
	"telegram-osint/internal/infra/config"
	"telegram-osint/internal/infra/logger"
	"telegram-osint/internal/infra/sqlite"
	"telegram-osint/internal/infra/storage"
	"telegram-osint/internal/infra/telegram/peersmgr"
	"telegram-osint/internal/infra/telegram/session"
	"telegram-osint/internal/support/version"
	"telegram-osint/internal/telegram/resolver"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"
	"golang.org/x/time/rate"

	boltstor "github.com/gotd/contrib/bbolt"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/contrib/middleware/ratelimit"
	contribstorage "github.com/gotd/contrib/storage"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/dcs"
	tgupdates "github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
)

// Mode — набор этапов запуска, выбранных флагами CLI. Этапы комбинируются
// и выполняются по порядку: дискавери, догрузка, живой режим.
type Mode struct {
	// Discover — проход дискавери и обхода с печатью итоговых целей.
	Discover bool
	// Backfill — догрузка истории всех целей.
	Backfill bool
	// Live — длительный режим: живой поток + цикл обслуживания + консоль.
	Live bool
	// NewOnly ограничивает догрузку каналами без вотермарки.
	NewOnly bool
}

// lazyUpdateHandler — это обёртка, которая позволяет отложить установку
// реального обработчика апдейтов, разрывая цикл инициализации.
type lazyUpdateHandler struct {
	mu      sync.RWMutex
	handler telegram.UpdateHandler
}

func (h *lazyUpdateHandler) Handle(ctx context.Context, u tg.UpdatesClass) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.handler != nil {
		return h.handler.Handle(ctx, u)
	}
	return nil
}

func (h *lazyUpdateHandler) set(realHandler telegram.UpdateHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = realHandler
}

// App агрегирует зависимости коллектора и управляет их связью.
// Отвечает за:
//   - конфигурацию и телеграм‑клиента (авторизация, API),
//   - хранилище находок (SQLite) и кэш пиров (bbolt),
//   - конвейер скоринга, перевод, дедупликацию живого потока,
//   - дискавери, обход, догрузку истории и супервизор обслуживания,
//   - запуск Runner, который оркестрирует жизненный цикл и graceful shutdown.
type App struct {
	cfg        *config.Config
	mode       Mode
	mainCtx    context.Context    // Контекст жизненного цикла приложения.
	mainCancel context.CancelFunc // Инициирует отмену mainCtx.

	store  *sqlite.Store
	peers  *peersmgr.Service
	waiter *floodwait.Waiter
	updMgr *tgupdates.Manager
	runner *Runner
}

const (
	resolverSnapshotFile             = "entities.bbolt"
	checkpointFile                   = "maintenance.json"
	throttleBurstFactor              = 2
	stateFileMode        os.FileMode = 0o600
)

// NewApp создаёт пустой каркас приложения. Фактическая сборка выполняется в Run().
func NewApp(mainCtx context.Context, mainCancel context.CancelFunc, cfg *config.Config, mode Mode) *App {
	return &App{
		cfg:        cfg,
		mode:       mode,
		mainCtx:    mainCtx,
		mainCancel: mainCancel,
	}
}

// crawlSource соединяет краулер с резолвером и историей каналов: резолв и
// вступление идут через кеширующий резолвер, тексты пробы — через MTProto.
type crawlSource struct {
	*resolver.Resolver
	core *core.Core
}

func (s crawlSource) History(ctx context.Context, ent resolver.Entity, limit int) ([]string, error) {
	return s.core.HistoryTexts(ctx, ent, limit)
}

// backfillHistory — срез истории для догрузки поверх MTProto-адаптера.
type backfillHistory struct {
	core *core.Core
}

func (h backfillHistory) History(ctx context.Context, ent resolver.Entity,
	limit, minID int) ([]pipeline.Message, error) {
	return h.core.HistoryMessages(ctx, ent, limit, minID)
}

// Run собирает приложение и запускает основной цикл: клиент, менеджер
// апдейтов, доменные сервисы и Runner, который оркестрирует жизненный цикл
// и корректное завершение. Блокируется до остановки приложения.
func (a *App) Run() error {
	logger.Info("Collector initializing...")

	dispatcher := tg.NewUpdateDispatcher()
	lazyHandler := &lazyUpdateHandler{}
	a.waiter = floodwait.NewWaiter()

	// 1) Опции MTProto‑клиента: сессии, хуки апдейтов и паспорт устройства.
	options := telegram.Options{
		SessionStorage: &session.FileStorage{Path: a.cfg.Session},
		UpdateHandler:  lazyHandler,
		Middlewares: []telegram.Middleware{
			a.waiter,
			ratelimit.New(
				rate.Limit(a.cfg.Env.ThrottleRPS),
				a.cfg.Env.ThrottleRPS*throttleBurstFactor,
			),
		},
		OnDead: func() {
			logger.Warn("MTProto connection is dead, reconnecting")
		},
		Device: telegram.DeviceConfig{
			DeviceModel:   "MacBookPro18,1",
			SystemVersion: "macOS v15.6.1 build 24G90",
			AppVersion:    version.Version,
		},
	}

	// Для тестовых окружений используем DC тестового стенда Telegram.
	if a.cfg.Env.TestDC {
		options.DCList = dcs.Test()
	}

	client := telegram.NewClient(a.cfg.APIID, a.cfg.APIHash, options)

	// Кэш пиров наполняется в Runner после Mgr.Init, когда клиент уже запущен.
	peersSvc, peersMgrErr := peersmgr.New(client.API(), a.cfg.Env.PeersCacheFile)
	if peersMgrErr != nil {
		return fmt.Errorf("init peers manager: %w", peersMgrErr)
	}
	a.peers = peersSvc

	// Инициализация хранилища состояния апдейтов.
	dataDir := filepath.Dir(a.cfg.Env.PeersCacheFile)
	stateFile := filepath.Join(dataDir, "updates_state.bbolt")
	if err := storage.EnsureDir(stateFile); err != nil {
		return fmt.Errorf("ensure state file dir: %w", err)
	}
	stateStorageBoltdb, err := bbolt.Open(stateFile, stateFileMode, nil)
	if err != nil {
		return errors.Wrap(err, "create bolt storage")
	}
	stateStorage := boltstor.NewStateStorage(stateStorageBoltdb)

	// Инициализация менеджера апдейтов.
	a.updMgr = tgupdates.New(tgupdates.Config{
		Handler:      dispatcher,
		Storage:      stateStorage,
		AccessHasher: peersSvc.Mgr,
	})

	// Устанавливаем реальный обработчик в lazyHandler: менеджер апдейтов,
	// обёрнутый хуком персистентного кэша пиров.
	realHandler := contribstorage.UpdateHook(peersSvc.Mgr.UpdateHook(a.updMgr), peersSvc.Store())
	lazyHandler.set(realHandler)

	// Хранилище находок.
	store, err := sqlite.Open(a.cfg.SQLitePath)
	if err != nil {
		return fmt.Errorf("open sqlite store: %w", err)
	}
	a.store = store

	// Конвейер скоринга: ключевые слова, перевод, порог, блок-лист.
	scorer := scoring.New(a.cfg.Keywords.Flatten(), a.cfg.Negatives)
	translator := translate.New(a.cfg.Translation)
	pipe := pipeline.New(store, scorer, translator, a.cfg.ScoreThreshold, a.cfg.IsBlocked)

	// Адаптер MTProto и кеширующий резолвер сущностей.
	tgCore := core.New(client.API(), peersSvc, a.cfg.Discovery.Filters.MinMembers)
	res := resolver.New(tgCore, resolver.Options{
		MaxWaitOnFlood: a.cfg.Discovery.Crawl.MaxWaitOnFloodS,
		FloodPadding:   a.cfg.Discovery.Crawl.FloodwaitPaddingS,
		SnapshotPath:   filepath.Join(dataDir, resolverSnapshotFile),
	})

	// Живой поток: дедупликация и подпись чатов из кешей.
	dedup := concurrency.NewDeduplicator(a.cfg.Env.DedupWindowSec)
	meta := func(id int64) (string, string, bool) {
		if ent, ok := res.ByID(id); ok {
			return ent.Title, ent.Username, true
		}
		if ch, ok := peersSvc.Channel(id); ok {
			return ch.Title, ch.Username, true
		}
		return "", "", false
	}
	live := stream.New(pipe, dedup, meta)
	live.Attach(dispatcher)

	// Дискавери, обход и догрузка истории.
	disc := discovery.New(tgCore, a.cfg.Discovery)
	filterSet := discovery.NewFilterSet(a.cfg.Discovery.Filters, a.cfg.Discovery.Crawl.AllowTypes)
	cooldown := crawl.NewCooldown(nil)
	crawler := crawl.New(crawlSource{Resolver: res, core: tgCore}, scorer, filterSet,
		cooldown, a.cfg.Discovery.Crawl, a.cfg.IsBlocked, nil)
	bf := backfill.New(res, backfillHistory{core: tgCore}, store, pipe, a.cfg)

	// Супервизор обслуживания с контрольной точкой между рестартами.
	sup := supervisor.New(live, disc, crawler, bf, res, a.cfg)
	ckpt := supervisor.NewCheckpoint(filepath.Join(dataDir, checkpointFile))
	sup.SetCheckpoint(ckpt)

	a.runner = NewRunner(RunnerDeps{
		MainCtx:    a.mainCtx,
		MainCancel: a.mainCancel,
		Cfg:        a.cfg,
		Mode:       a.mode,
		Client:     client,
		Peers:      peersSvc,
		Store:      store,
		Dedup:      dedup,
		Pipe:       pipe,
		Scorer:     scorer,
		Live:       live,
		Backfill:   bf,
		Supervisor: sup,
		Checkpoint: ckpt,
	})

	return a.runner.Run(a.waiter, a.updMgr)
}
