// Package cli — интерактивная командная консоль коллектора.
// Сервис стартует фоном, читает команды из readline и взаимодействует с
// остальными подсистемами: конвейером скоринга, супервизором обслуживания
// и клиентом Telegram. Интеграция в жизненный цикл корректная:
// Start/Stop идемпотентны.
package cli

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"telegram-osint/internal/domain/pipeline"
	"telegram-osint/internal/domain/scoring"
	"telegram-osint/internal/domain/stream"
	"telegram-osint/internal/domain/supervisor"
	"telegram-osint/internal/infra/logger"
	"telegram-osint/internal/infra/pr"
	versioninfo "telegram-osint/internal/support/version"

	"github.com/gotd/td/telegram"
)

// commandDescriptor описывает одну CLI-команду: её имя и краткое описание для help.
type commandDescriptor struct {
	name        string
	description string
}

// commandDescriptors — реестр доступных команд. Рендерится в help и подсказки.
// Важно: имена должны совпадать с кейсами в handleCommand().
var commandDescriptors = []commandDescriptor{
	{name: "help", description: "Show available commands with short descriptions"},
	{name: "status", description: "Show pipeline counters and live stream state"},
	{name: "targets", description: "Print the current set of collection targets"},
	{name: "score", description: "Score a text against the keyword lists: score <text>"},
	{name: "maint", description: "Run a maintenance pass (discover, crawl, backfill) now"},
	{name: "whoami", description: "Display information about the current account"},
	{name: "version", description: "Print collector version"},
	{name: "exit", description: "Stop CLI and terminate the service"},
}

// Service инкапсулирует CLI и интегрируется в жизненный цикл приложения.
// Имеет собственный cancel, запускает цикл чтения команд в отдельной горутине
// и синхронно закрывается через Stop(). Потокобезопасность обеспечивается
// дисциплиной запуска/остановки и отсутствием внешних мутаций.
type Service struct {
	client  *telegram.Client    // сетевой клиент gotd, нужен для whoami
	stopApp context.CancelFunc  // внешняя отмена приложения (команда exit и Ctrl-C на пустой строке)
	sup     *supervisor.Service // супервизор: ручной запуск обслуживания
	ckpt    *supervisor.Checkpoint
	pipe    *pipeline.Pipeline
	live    *stream.Service
	scorer  *scoring.Scorer

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	onceStart sync.Once
	onceStop  sync.Once
}

// NewService создаёт CLI-сервис. Параметр stopApp используется как «глобальная»
// остановка приложения (команда exit, Ctrl-C на пустой строке). ckpt может быть
// nil — тогда команда targets сообщает, что целей ещё нет.
func NewService(
	client *telegram.Client,
	stopApp context.CancelFunc,
	sup *supervisor.Service,
	ckpt *supervisor.Checkpoint,
	pipe *pipeline.Pipeline,
	live *stream.Service,
	scorer *scoring.Scorer,
) *Service {
	return &Service{
		client:  client,
		stopApp: stopApp,
		sup:     sup,
		ckpt:    ckpt,
		pipe:    pipe,
		live:    live,
		scorer:  scorer,
	}
}

// Start запускает основной цикл CLI в отдельной горутине. Повторные вызовы
// безопасно игнорируются. Контекст используется как родительский для run-цикла.
func (s *Service) Start(ctx context.Context) {
	s.onceStart.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.wg.Go(func() {
			s.run(runCtx)
		})
	})
}

// Stop завершает CLI: посылает внешнюю остановку приложения (если предусмотрено),
// прерывает readline, отменяет локальный контекст и дожидается завершения run-цикла.
func (s *Service) Stop() {
	s.onceStop.Do(func() {
		if s.stopApp != nil {
			s.stopApp()
		}
		if rl := pr.Rl(); rl != nil {
			pr.InterruptReadline()
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

// run — основной цикл обработчика CLI. Печатает подсказки, устанавливает обработчики
// клавиш и в цикле читает команды построчно, передавая их в handleCommand().
func (s *Service) run(ctx context.Context) {
	logger.Debug("CLI run started")
	pr.SetPrompt("> ")
	pr.Println("CLI started. Enter commands:", joinCommandNames(commandDescriptors))
	pr.Println("Press '?' or type 'help' for detailed descriptions.")
	installKeyHandlers(s.stopApp)

	defer func() {
		if rl := pr.Rl(); rl != nil {
			_ = rl.Close()
		}
	}()

	// Главный цикл чтения команд. Выход — по отмене контекста или по EOF от readline.
	for {
		if ctx.Err() != nil {
			logger.Debug("CLI: context canceled")
			return
		}

		line, err := pr.Rl().Readline()
		if err != nil {
			logger.Debug("CLI: deactivated (io.EOF)")
			return
		}

		cmd := strings.TrimSpace(line)
		if s.handleCommand(ctx, cmd) {
			logger.Debugf("CLI: command %q requested exit", cmd)
			return
		}
	}
}

// installKeyHandlers подключает обработчики специальных клавиш для readline:
//   - '?' — печать help без отправки символа в текущую строку;
//   - Ctrl-C на пустой строке — мягкая остановка приложения (stopApp) и прерывание readline;
//   - Ctrl-C на непустой строке — очистка текущей строки (как в типичных CLI).
func installKeyHandlers(stop context.CancelFunc) {
	rl := pr.Rl()
	if rl == nil || rl.Config == nil {
		return
	}

	// Сохраняем предыдущий listener, чтобы не ломать поведение по умолчанию.
	prev := rl.Config.Listener
	rl.Config.SetListener(func(line []rune, pos int, key rune) ([]rune, int, bool) {
		// Быстрая справка по командам по нажатию '?'.
		if key == '?' {
			printCommandHelp()
			if pos > 0 && pos <= len(line) {
				trimmed := append([]rune{}, line[:pos-1]...)
				trimmed = append(trimmed, line[pos:]...)
				return trimmed, pos - 1, true
			}
			return line, pos, true
		}
		// Ctrl-C (ETX): особое поведение — либо остановка приложения, либо очистка строки.
		if key == 3 { //nolint: mnd // Ctrl-C (ETX, rune value 3)
			trimmed := strings.TrimSpace(string(line))
			if trimmed == "" {
				if stop != nil {
					stop()
				}
				pr.InterruptReadline()
				return line, pos, true
			} else {
				// Clear the line if not empty (typical readline behavior)
				return []rune{}, 0, true
			}
		}
		if prev != nil {
			return prev.OnChange(line, pos, key)
		}
		return nil, 0, false
	})
}

// printCommandHelp печатает список поддерживаемых команд и их описания.
func printCommandHelp() {
	for _, text := range buildCommandHelpLines(commandDescriptors) {
		pr.Println(text)
	}
}

// handleCommand разбирает введённую команду и выполняет соответствующее действие.
// Возвращает true, если команда инициирует завершение CLI ("exit").
func (s *Service) handleCommand(ctx context.Context, cmd string) bool {
	name, arg, _ := strings.Cut(cmd, " ")
	switch name {
	case "help":
		printCommandHelp()
	case "status":
		s.handleStatus()
	case "targets":
		s.handleTargets()
	case "score":
		s.handleScore(strings.TrimSpace(arg))
	case "maint":
		s.handleMaint(ctx)
	case "whoami":
		if res, err := s.whoAmI(ctx); err != nil {
			pr.ErrPrintln("whoami error:", err)
		} else {
			pr.Println(res)
		}
	case "version":
		pr.ErrPrintln(fmt.Sprintf("%s v%s", versioninfo.Name, versioninfo.Version))
	case "exit":
		if s.stopApp != nil {
			s.stopApp()
		}
		return true
	case "":
		// ignore
	default:
		pr.Println("unknown command:", cmd)
	}
	return false
}

// handleStatus печатает счётчики конвейера и состояние живого потока.
func (s *Service) handleStatus() {
	if s.pipe != nil {
		pr.Println("Pipeline:", s.pipe.Stats.Snapshot())
	}
	if s.live != nil {
		if s.live.Armed() {
			pr.Println("Live stream: armed")
		} else {
			pr.Println("Live stream: disarmed (maintenance or startup)")
		}
	}
	if s.ckpt != nil {
		if st, err := s.ckpt.Snapshot(); err == nil && !st.LastRun.IsZero() {
			pr.Printf("Last maintenance: %s, %d targets\n",
				st.LastRun.Local().Format(time.RFC3339), len(st.Targets))
		} else {
			pr.Println("Last maintenance: <never>")
		}
	}
}

// handleTargets выводит текущий набор целей из контрольной точки обслуживания.
// Сетевых запросов не делает: печатает то, что собрал последний проход.
func (s *Service) handleTargets() {
	if s.ckpt == nil {
		pr.Println("No targets yet: maintenance has not run.")
		return
	}
	st, err := s.ckpt.Snapshot()
	if err != nil {
		pr.ErrPrintln("targets error:", err)
		return
	}
	if len(st.Targets) == 0 {
		pr.Println("No targets yet: maintenance has not run.")
		return
	}
	for _, target := range st.Targets {
		pr.Println(" ", target)
	}
	pr.Printf("Total targets: %d\n", len(st.Targets))
}

// handleScore прогоняет текст через скорер и печатает счёт со сработавшими словами.
// Удобно для отладки списков ключевых слов без живого трафика.
func (s *Service) handleScore(text string) {
	if text == "" {
		pr.Println("usage: score <text>")
		return
	}
	if s.scorer == nil {
		pr.ErrPrintln("scorer is not available")
		return
	}
	res := s.scorer.Score(text)
	if res.Score == 0 {
		if s.scorer.HasNegative(text) {
			pr.Println("Score: 0 (negative keyword)")
		} else {
			pr.Println("Score: 0")
		}
		return
	}
	pr.Printf("Score: %d, hits: %s\n", res.Score, strings.Join(res.Hits, ", "))
}

// handleMaint запускает проход обслуживания в фоне, чтобы не блокировать консоль.
// Повторный maint во время прохода дождётся его завершения (mutex супервизора).
func (s *Service) handleMaint(ctx context.Context) {
	if s.sup == nil {
		pr.ErrPrintln("supervisor is not available")
		return
	}
	pr.Println("Maintenance pass started in background; watch the log.")
	go s.sup.MaintenanceOnce(ctx)
}

// whoAmI возвращает строку с краткой информацией о текущем аккаунте (имя, username, id).
// Ошибку получения self оборачивает с контекстом.
func (s *Service) whoAmI(ctx context.Context) (string, error) {
	if s.client == nil {
		return "", fmt.Errorf("telegram client is not available")
	}
	self, err := s.client.Self(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get self: %w", err)
	}
	fullname := strings.TrimSpace(strings.Join([]string{self.FirstName, self.LastName}, " "))
	if fullname == "" {
		fullname = "<unknown>"
	}
	if self.Username != "" {
		return fmt.Sprintf("You are: %s (@%s), id=%d", fullname, self.Username, self.ID), nil
	}
	return fmt.Sprintf("You are: %s, id=%d", fullname, self.ID), nil
}

// joinCommandNames собирает строку имён команд, разделённых запятыми, для короткой подсказки.
func joinCommandNames(descriptors []commandDescriptor) string {
	names := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		names = append(names, d.name)
	}
	return strings.Join(names, ", ")
}

// buildCommandHelpLines генерирует строки помощи вида "<name> - <description>".
func buildCommandHelpLines(descriptors []commandDescriptor) []string {
	lines := make([]string, 0, len(descriptors)+1)
	lines = append(lines, "Available commands:")
	for _, descriptor := range descriptors {
		lines = append(lines, fmt.Sprintf("  %-8s - %s", descriptor.name, descriptor.description))
	}
	return lines
}
