// Package tgutil — мелкие преобразования над типами gotd.
package tgutil

import (
	"time"

	"github.com/gotd/td/tg"
)

// GetPeerID нормализует peer до числового идентификатора (user/chat/channel).
// Возвращает 0 для неизвестного типа. Идентификатор служит ключом блок-листа,
// вотермарок и дедупликации live-потока.
func GetPeerID(peer tg.PeerClass) int64 {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return p.UserID
	case *tg.PeerChat:
		return p.ChatID
	case *tg.PeerChannel:
		return p.ChannelID
	default:
		return 0
	}
}

// MessageTime переводит unix-дату сообщения Telegram в time.Time (UTC).
// Хранилище пишет метки только в UTC, перевод делается один раз на входе.
func MessageTime(msg *tg.Message) time.Time {
	return time.Unix(int64(msg.Date), 0).UTC()
}

// ExtractText возвращает текст обычного сообщения. Сервисные сообщения
// (вступления, закреп, смена заголовка) и пустые элементы дают "".
func ExtractText(m tg.MessageClass) string {
	msg, ok := m.(*tg.Message)
	if !ok {
		return ""
	}
	return msg.Message
}
