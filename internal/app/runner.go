// Package app реализует верхний уровень управления жизненным циклом коллектора.
// Файл runner.go — точка оркестрации: здесь запускаются сервисы в правильном
// порядке, выполняется авторизация, стартует менеджер обновлений, и
// организуется корректный graceful shutdown. Бизнес‑назначение: гарантировать
// стабильный запуск и предсказуемое завершение так, чтобы доменные сервисы
// успели довести операции (запись находок, контрольная точка обслуживания),
// а MTProto‑движок оставался жив до их остановки.
package app

import (
	"context"
	"sort"
	"sync"

	"telegram-osint/internal/adapters/cli"
	"telegram-osint/internal/domain/backfill"
	"telegram-osint/internal/domain/pipeline"
	"telegram-osint/internal/domain/scoring"
	"telegram-osint/internal/domain/stream"
	"telegram-osint/internal/domain/supervisor"
	"telegram-osint/internal/infra/concurrency"
	"telegram-osint/internal/infra/config"
	"telegram-osint/internal/infra/logger"
	"telegram-osint/internal/infra/pr"
	"telegram-osint/internal/infra/sqlite"
	"telegram-osint/internal/infra/telegram/peersmgr"
	collauth "telegram-osint/internal/telegram/auth"

	"github.com/go-faster/errors"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	tgupdates "github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"
)

// RunnerDeps — зависимости Runner, собранные в App.Run. Передаются одной
// структурой, чтобы порядок аргументов не превращался в источник ошибок.
type RunnerDeps struct {
	MainCtx    context.Context
	MainCancel context.CancelFunc
	Cfg        *config.Config
	Mode       Mode
	Client     *telegram.Client
	Peers      *peersmgr.Service
	Store      *sqlite.Store
	Dedup      *concurrency.Deduplicator
	Pipe       *pipeline.Pipeline
	Scorer     *scoring.Scorer
	Live       *stream.Service
	Backfill   *backfill.Service
	Supervisor *supervisor.Service
	Checkpoint *supervisor.Checkpoint
}

// Runner инкапсулирует сценарий запуска и остановки клиента и связанных подсистем.
// Отвечает за:
//   - авторизацию и идентификацию текущего пользователя (self),
//   - линейный запуск сервисов в правильном порядке,
//   - корректное завершение: сначала останавливаются доменные сервисы,
//     затем гасится MTProto‑движок,
//   - пакетные этапы --discover и --backfill перед (опциональным) живым режимом.
type Runner struct {
	deps RunnerDeps

	cliService    *cli.Service       // CLI сервис для интерактивных команд.
	updatesWG     sync.WaitGroup     // WaitGroup для updates_manager.
	updatesCancel context.CancelFunc // Функция отмены контекста для updates_manager.
}

// NewRunner подготавливает Runner с переданными зависимостями.
func NewRunner(deps RunnerDeps) *Runner {
	return &Runner{deps: deps}
}

// Run — главный цикл коллектора. Выполняет логин, прогрев пиров и запуск
// узлов по выбранному режиму. Блокируется до завершения клиентского контекста.
// Важно: для MTProto‑движка используется отдельный контекст, чтобы дать шанс
// доменным сервисам корректно завершиться до гашения сетевого уровня.
func (r *Runner) Run(waiter *floodwait.Waiter, updmgr *tgupdates.Manager) error {
	clientCtx, clientCancel := context.WithCancel(context.Background())
	defer clientCancel()

	// Запускаем отслеживание сигналов сразу, чтобы Ctrl+C работал во время инициализации.
	var shutdownWG sync.WaitGroup
	shutdownWG.Go(func() {
		<-r.deps.MainCtx.Done()
		logger.Debug("Shutdown signal received, stopping runner...")
		r.stopAllServices()
		clientCancel()
	})

	return waiter.Run(clientCtx, func(ctx context.Context) error {
		return r.deps.Client.Run(ctx, func(ctx context.Context) error {
			logger.Info("Collector running...")

			self, loginErr := r.loginSelf(ctx)
			if loginErr != nil {
				return loginErr
			}

			if err := r.initPeersIfNeeded(ctx); err != nil {
				return err
			}

			// Пакетные этапы идут последовательно в одном запуске:
			// какие флаги заданы, те этапы и выполняются, после чего
			// процесс либо завершается, либо переходит в живой режим.
			if r.deps.Mode.Discover || r.deps.Mode.Backfill {
				r.runBatchStages(ctx)
			}
			if !r.deps.Mode.Live {
				r.deps.MainCancel()
				shutdownWG.Wait()
				return nil
			}

			if err := r.startAllServices(ctx, updmgr, self.ID); err != nil {
				r.stopAllServices()
				return err
			}

			<-ctx.Done()
			shutdownWG.Wait()
			return ctx.Err()
		})
	})
}

func (r *Runner) loginSelf(ctx context.Context) (*tg.User, error) {
	flow := auth.NewFlow(
		collauth.TerminalAuthenticator{PhoneNumber: r.deps.Cfg.Env.PhoneNumber},
		auth.SendCodeOptions{},
	)

	if err := r.deps.Client.Auth().IfNecessary(ctx, flow); err != nil {
		return nil, errors.Wrap(err, "auth")
	}

	self, err := r.deps.Client.Self(ctx)
	if err != nil {
		return nil, err
	}
	logger.Logger().Info("Logged in as:",
		zap.String("FirstName", self.FirstName),
		zap.String("LastName", self.LastName),
		zap.String("Username", self.Username),
		zap.Int64("ID", self.ID),
	)
	return self, nil
}

func (r *Runner) initPeersIfNeeded(ctx context.Context) error {
	if r.deps.Peers == nil {
		return nil
	}

	if err := r.deps.Peers.Mgr.Init(ctx); err != nil {
		logger.Errorf("failed to init peers manager: %v", err)
		return err
	}

	if err := r.deps.Peers.LoadFromStorage(ctx); err != nil {
		logger.Errorf("failed to load peers from storage: %v", err)
	}

	if err := r.deps.Peers.WarmupIfEmpty(ctx, r.deps.Client.API()); err != nil {
		logger.Errorf("failed to warm up peers manager: %v", err)
	}

	logger.Debug("Peers warmup complete")
	return nil
}

// runBatchStages выполняет пакетные этапы запуска: сборку целей (сиды плюс
// находки дискавери и обхода) со вступлением, печать итогового списка для
// --discover и догрузку истории для --backfill. Цели и их chat id попадают
// в контрольную точку, так что следующий живой запуск начнёт с них же.
func (r *Runner) runBatchStages(ctx context.Context) {
	logger.Info("batch: stages started")
	targets, ids := r.deps.Supervisor.BootstrapTargets(ctx, r.deps.Mode.Discover)

	if r.deps.Mode.Discover {
		names := append([]string{}, targets...)
		sort.Strings(names)
		if len(names) == 0 {
			pr.Println("No channels discovered.")
		} else {
			pr.Printf("Targets after discovery (%d):\n", len(names))
			for _, name := range names {
				pr.Println(" ", name)
			}
		}
	}

	if r.deps.Mode.Backfill {
		r.deps.Backfill.Run(ctx, targets, r.deps.Mode.NewOnly)
		pr.Println("Backfill finished:", r.deps.Pipe.Stats.Snapshot())
	}

	if r.deps.Mode.Live {
		// Живой поток стартует с уже собранных целей, не дожидаясь
		// восстановления из контрольной точки.
		r.deps.Live.SetTargets(ids)
	}
}

func (r *Runner) startAllServices(ctx context.Context, updmgr *tgupdates.Manager, selfID int64) error {
	// cli
	logger.Debug("starting service cli")
	r.cliService = cli.NewService(r.deps.Client, r.deps.MainCancel, r.deps.Supervisor,
		r.deps.Checkpoint, r.deps.Pipe, r.deps.Live, r.deps.Scorer)
	r.cliService.Start(ctx)
	logger.Debug("service cli started")

	// deduplicator
	logger.Debug("starting service deduplicator")
	r.deps.Dedup.Start(ctx)
	logger.Debug("service deduplicator started")

	// supervisor: цели из контрольной точки, живой поток, цикл обслуживания
	logger.Debug("starting service supervisor")
	restored := r.deps.Supervisor.RestoreTargets()
	r.deps.Supervisor.StartLive()
	r.deps.Supervisor.StartLoop(ctx)
	logger.Debugf("service supervisor started (%d targets restored)", restored)

	// Первый проход обслуживания сразу после старта, если восстановить цели
	// не из чего: иначе живой поток слушает всё подряд до конца интервала.
	if restored == 0 {
		go r.deps.Supervisor.MaintenanceOnce(ctx)
	}

	// updates_manager
	logger.Debug("starting service updates_manager")
	// Отдельный контекст, чтобы updates_manager можно было отменить независимо.
	updatesCtx, updatesCancel := context.WithCancel(ctx)
	r.updatesCancel = updatesCancel
	r.updatesWG.Go(func() {
		logger.Debug("updates_manager service: Run started")
		mgrErr := updmgr.Run(updatesCtx, r.deps.Client.API(), selfID, tgupdates.AuthOptions{
			Forget:  false,
			OnStart: r.handleUpdatesManagerStart,
		})
		if mgrErr != nil && !errors.Is(mgrErr, context.Canceled) {
			logger.Errorf("updmgr.Run return: %v", mgrErr)
			r.deps.MainCancel()
		}
		logger.Debugf("updates_manager service: Run finished (err=%v)", mgrErr)
	})
	logger.Debug("service updates_manager started")

	return nil
}

func (r *Runner) stopAllServices() {
	// Останавливаем в обратном порядке.

	// updates_manager
	logger.Debug("stopping service updates_manager")
	if r.updatesCancel != nil {
		r.updatesCancel()
	}
	r.updatesWG.Wait()
	logger.Debug("service updates_manager stopped")

	// supervisor (живой поток + цикл обслуживания)
	logger.Debug("stopping service supervisor")
	if r.deps.Supervisor != nil {
		r.deps.Supervisor.Shutdown()
	}
	logger.Debug("service supervisor stopped")

	// deduplicator
	logger.Debug("stopping service deduplicator")
	if r.deps.Dedup != nil {
		r.deps.Dedup.Stop()
	}
	logger.Debug("service deduplicator stopped")

	// sqlite store
	logger.Debug("stopping service sqlite_store")
	if r.deps.Store != nil {
		if err := r.deps.Store.Close(); err != nil {
			logger.Errorf("failed to close sqlite store: %v", err)
		}
	}
	logger.Debug("service sqlite_store stopped")

	// peers_manager
	if r.deps.Peers != nil {
		logger.Debug("stopping service peers_manager")
		if err := r.deps.Peers.Close(); err != nil {
			logger.Errorf("failed to stop peers_manager: %v", err)
		}
		logger.Debug("service peers_manager stopped")
	}

	// cli
	if r.cliService != nil {
		logger.Debug("stopping service cli")
		r.cliService.Stop()
		logger.Debug("service cli stopped")
	}
}

// handleUpdatesManagerStart вызывается updates.Manager при старте обработки апдейтов.
func (r *Runner) handleUpdatesManagerStart(_ context.Context) {
	logger.Debug("Updates manager started")
}
