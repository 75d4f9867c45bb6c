package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"telegram-osint/internal/app"
	"telegram-osint/internal/infra/config"
	"telegram-osint/internal/infra/logger"
	"telegram-osint/internal/infra/pr"
	"telegram-osint/internal/support/debug"
)

func main() {
	if err := pr.Init(); err != nil {
		logger.Fatal("failed to assigning stdout and stderr", zap.Error(err))
	}

	// configPath указывает на YAML с доменными настройками (слова, сиды,
	// пороги), envPath — на .env с секретами MTProto.
	configPath := flag.String("config", "config.yaml", "path to YAML config file")
	envPath := flag.String("env", ".env", "path to .env file")
	discover := flag.Bool("discover", false, "run a discovery+crawl pass before other stages")
	backfill := flag.Bool("backfill", false, "backfill target history up to the configured limit")
	run := flag.Bool("run", false, "stay in live collection with background maintenance")
	newOnly := flag.Bool("new-only", false, "backfill only channels without a watermark")
	debugMode := flag.Bool("debug", false, "print every live message to the console")
	flag.Parse()

	// Этапы комбинируются: --discover --backfill --run выполнит дискавери,
	// затем догрузку и останется в живом режиме.
	mode := app.Mode{Discover: *discover, Backfill: *backfill, Live: *run, NewOnly: *newOnly}
	if !mode.Discover && !mode.Backfill && !mode.Live {
		pr.ErrPrintln("nothing to do: pass --discover, --backfill and/or --run")
		flag.Usage()
		os.Exit(2)
	}
	debug.DEBUG = *debugMode

	cfg, err := config.Load(*configPath, *envPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// logger.Init задаёт уровень, SetWriters отдаёт выводы подсистеме pr
	// (чтобы видеть логи в CLI UI), SetFile включает файл с ротацией.
	logger.Init(cfg.Env.LogLevel)
	logger.SetWriters(pr.Stdout(), pr.Stderr())
	logger.SetFile(cfg.Env.LogFile)
	for _, msg := range cfg.Warnings() {
		logger.Warn(msg)
	}

	// Контекст с обработкой системных сигналов (Ctrl+C/SIGTERM). stop()
	// нужно вызвать, чтобы снять подписку.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	a := app.NewApp(ctx, stop, cfg, mode)
	if runErr := a.Run(); runErr != nil && ctx.Err() == nil {
		stop()
		logger.Fatal("app run failed", zap.Error(runErr))
	}
	stop()
	logger.Info("Graceful shutdown complete")
}
