// Package version — имя и версия коллектора.
// Используется консолью и в device info MTProto-клиента.
package version

const (
	Name    = "telegram-osint"
	Version = "0.3.1"
)
