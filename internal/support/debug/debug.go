// Package debug — утилиты отладки коллектора. Печать живых сообщений в
// консоль и структурные записи в общий лог, и то и другое только при
// включённом переключателе DEBUG. На бизнес-логику пакет не влияет.
package debug

import (
	"go.uber.org/zap"

	"github.com/gotd/td/tg"

	"telegram-osint/internal/infra/logger"
	"telegram-osint/internal/infra/pr"
	"telegram-osint/internal/shared"
)

// DEBUG — глобальный переключатель режима отладки. Включается флагом
// --debug при запуске; в обычном режиме пакет молчит.
var DEBUG = false

// PrintMessage печатает компактную строку живого сообщения в консоль.
// Текст режется по рунам, чтобы не порвать UTF-8 в середине символа.
func PrintMessage(chatID int64, msg *tg.Message) {
	if !DEBUG {
		return
	}

	const textMaxLen = 50
	pr.Printf("[live] chat %d msg %d: %s\n", chatID, msg.ID, shared.TruncateRunes(msg.Message, textMaxLen))
}

// Debug пишет запись уровня Debug в общий лог только при активном DEBUG.
func Debug(msg string, fields ...zap.Field) {
	if DEBUG {
		logger.Logger().Debug(msg, fields...)
	}
}

// Info пишет информационную запись при активном DEBUG.
func Info(msg string, fields ...zap.Field) {
	if DEBUG {
		logger.Logger().Info(msg, fields...)
	}
}

// Warn пишет предупреждение в лог, если DEBUG включён.
func Warn(msg string, fields ...zap.Field) {
	if DEBUG {
		logger.Logger().Warn(msg, fields...)
	}
}

// Error пишет ошибку в лог при активном DEBUG.
func Error(msg string, fields ...zap.Field) {
	if DEBUG {
		logger.Logger().Error(msg, fields...)
	}
}
