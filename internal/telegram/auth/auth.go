// Package auth реализует интерактивный вход коллектора в Telegram поверх gotd.
// Авторизация нужна один раз на машину: дальше сессия живёт в файле и клиент
// поднимается без вопросов. Все запросы к оператору идут через общий readline,
// чтобы не конфликтовать с консолью и логами.
package auth

import (
	"context"
	"strings"
	"syscall"

	"telegram-osint/internal/infra/pr"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"golang.org/x/term"
)

// promptLine выставляет приглашение общего readline и ждёт строку от оператора.
// Пробелы по краям обрезаются; EOF по закрытому stdin возвращается как ошибка.
func promptLine(prompt string) (string, error) {
	pr.SetPrompt(prompt)
	line, err := pr.Rl().Readline()
	return strings.TrimSpace(line), err
}

// TerminalAuthenticator собирает данные входа из терминала: телефон, код
// подтверждения, пароль 2FA. Реализует auth.UserAuthenticator gotd.
type TerminalAuthenticator struct {
	// PhoneNumber — телефон из конфигурации. Пустое значение означает,
	// что номер спросят у оператора при первом входе.
	PhoneNumber string
}

// Phone отдаёт телефон из конфигурации или запрашивает его интерактивно.
// Формат не валидируется; Telegram ожидает E.164.
func (t TerminalAuthenticator) Phone(_ context.Context) (string, error) {
	if phone := strings.TrimSpace(t.PhoneNumber); phone != "" {
		return phone, nil
	}
	return promptLine("Phone number (E.164): ")
}

// Code запрашивает у оператора код подтверждения, присланный Telegram.
func (t TerminalAuthenticator) Code(_ context.Context, _ *tg.AuthSentCode) (string, error) {
	return promptLine("Telegram confirmation code: ")
}

// Password читает пароль 2FA без эха в терминал.
func (t TerminalAuthenticator) Password(_ context.Context) (string, error) {
	pr.Print("2FA password: ")
	passwordBytes, err := term.ReadPassword(syscall.Stdin)
	// После скрытого ввода курсор остаётся на той же строке.
	pr.Println()
	if err != nil {
		return "", err
	}
	return string(passwordBytes), nil
}

// AcceptTermsOfService показывает текст условий и ждёт явного согласия.
// Принимается только "y"/"Y"; всё остальное прерывает вход.
func (t TerminalAuthenticator) AcceptTermsOfService(_ context.Context, tos tg.HelpTermsOfService) error {
	pr.Printf("Telegram Terms of Service: %s\n", tos.Text)
	resp, err := promptLine("Accept? (y/n): ")
	if err != nil {
		return err
	}
	if resp != "y" && resp != "Y" {
		return errors.New("terms of service rejected")
	}
	return nil
}

// SignUp срабатывает для незарегистрированного номера. Коллектор рассчитан на
// существующий аккаунт, но регистрацию не блокируем: достаточно имени.
func (t TerminalAuthenticator) SignUp(_ context.Context) (auth.UserInfo, error) {
	firstName, err := promptLine("First name: ")
	if err != nil {
		return auth.UserInfo{}, err
	}
	// Фамилия опциональна, ошибку чтения не считаем фатальной.
	lastName, _ := promptLine("Last name (optional): ")
	return auth.UserInfo{FirstName: firstName, LastName: lastName}, nil
}
