package peersmgr

import (
	"context"
	"errors"
	"fmt"

	tgruntime "telegram-osint/internal/telegram/runtime"

	"github.com/gotd/td/tg"
)

const (
	dialogPageLimit     = 100
	dialogPageWaitMinMs = 500
	dialogPageWaitMaxMs = 1500
)

var errDialogsNotModified = errors.New("dialogs not modified")

// dialogPeers — результат полной выгрузки диалогов: только сущности, нужные
// коллектору (access_hash пользователей и каналы для снимка). Сами диалоги и
// сообщения используются лишь для пагинации и наружу не отдаются.
type dialogPeers struct {
	Users []tg.UserClass
	Chats []tg.ChatClass
}

// dialogCursor держит тройку смещений (offset_date, offset_id, offset_peer)
// между страницами MessagesGetDialogs. Access-hash карты копятся по мере
// выгрузки: без них нельзя собрать InputPeer для следующего запроса.
type dialogCursor struct {
	date int
	id   int
	peer tg.InputPeerClass

	userHashes    map[int64]int64
	channelHashes map[int64]int64
}

func newDialogCursor() *dialogCursor {
	return &dialogCursor{
		peer:          &tg.InputPeerEmpty{},
		userHashes:    make(map[int64]int64),
		channelHashes: make(map[int64]int64),
	}
}

// fetchDialogs постранично выгружает весь список диалогов аккаунта и собирает
// из него пользователей и чаты. Между страницами выдерживается случайная пауза,
// чтобы выгрузка не выглядела как бот-скан.
func fetchDialogs(ctx context.Context, api *tg.Client) (*dialogPeers, error) {
	result := &dialogPeers{}
	cursor := newDialogCursor()

	tgruntime.WaitRandomTimeMs(ctx, dialogPageWaitMinMs, dialogPageWaitMaxMs)

	for {
		resp, err := api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
			OffsetDate: cursor.date,
			OffsetID:   cursor.id,
			OffsetPeer: cursor.peer,
			Limit:      dialogPageLimit,
		})
		if err != nil {
			return nil, fmt.Errorf("MessagesGetDialogs: %w", err)
		}

		batch, err := normalizeDialogsResponse(resp)
		if err != nil {
			if errors.Is(err, errDialogsNotModified) {
				return result, nil
			}
			return nil, err
		}
		if len(batch.Dialogs) == 0 {
			break
		}

		result.Users = append(result.Users, batch.Users...)
		result.Chats = append(result.Chats, batch.Chats...)

		cursor.absorbHashes(batch)
		cursor.advance(batch)

		if len(batch.Dialogs) < dialogPageLimit {
			break
		}

		tgruntime.WaitRandomTimeMs(ctx, dialogPageWaitMinMs, dialogPageWaitMaxMs)
	}

	return result, nil
}

// absorbHashes пополняет карты access_hash сущностями очередной страницы.
func (c *dialogCursor) absorbHashes(batch *tg.MessagesDialogs) {
	for _, entity := range batch.Users {
		if user, ok := entity.(*tg.User); ok {
			c.userHashes[user.ID] = user.AccessHash
		}
	}
	for _, entity := range batch.Chats {
		if ch, ok := entity.(*tg.Channel); ok {
			c.channelHashes[ch.ID] = ch.AccessHash
		}
	}
}

// advance переводит курсор на последний диалог страницы. Если дата или id
// верхнего сообщения не нашлись, прежние значения сохраняются: Telegram
// трактует нулевые смещения как "с начала", что зациклило бы выгрузку.
func (c *dialogCursor) advance(batch *tg.MessagesDialogs) {
	last := batch.Dialogs[len(batch.Dialogs)-1]

	var peer tg.PeerClass
	topMessage := 0
	switch dlg := last.(type) {
	case *tg.Dialog:
		peer, topMessage = dlg.Peer, dlg.TopMessage
	case *tg.DialogFolder:
		peer, topMessage = dlg.Peer, dlg.TopMessage
	default:
		c.peer = &tg.InputPeerEmpty{}
		return
	}

	if topMessage != 0 {
		c.id = topMessage
	}
	if date := topMessageDate(batch.Messages, topMessage); date != 0 {
		c.date = date
	}
	c.peer = c.inputPeer(peer)
}

// inputPeer превращает PeerClass в InputPeerClass по накопленным access_hash.
func (c *dialogCursor) inputPeer(peer tg.PeerClass) tg.InputPeerClass {
	switch entity := peer.(type) {
	case *tg.PeerUser:
		return &tg.InputPeerUser{UserID: entity.UserID, AccessHash: c.userHashes[entity.UserID]}
	case *tg.PeerChat:
		return &tg.InputPeerChat{ChatID: entity.ChatID}
	case *tg.PeerChannel:
		return &tg.InputPeerChannel{ChannelID: entity.ChannelID, AccessHash: c.channelHashes[entity.ChannelID]}
	default:
		return &tg.InputPeerEmpty{}
	}
}

func normalizeDialogsResponse(resp tg.MessagesDialogsClass) (*tg.MessagesDialogs, error) {
	switch data := resp.(type) {
	case *tg.MessagesDialogs:
		return data, nil
	case *tg.MessagesDialogsSlice:
		return &tg.MessagesDialogs{
			Dialogs:  data.Dialogs,
			Messages: data.Messages,
			Chats:    data.Chats,
			Users:    data.Users,
		}, nil
	case *tg.MessagesDialogsNotModified:
		return nil, errDialogsNotModified
	default:
		return nil, fmt.Errorf("unexpected dialogs response: %T", resp)
	}
}

// topMessageDate ищет дату сообщения с данным id среди сообщений страницы.
func topMessageDate(messages []tg.MessageClass, id int) int {
	for _, msg := range messages {
		switch item := msg.(type) {
		case *tg.Message:
			if item.ID == id {
				return item.Date
			}
		case *tg.MessageService:
			if item.ID == id {
				return item.Date
			}
		}
	}
	return 0
}
