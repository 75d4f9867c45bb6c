// Package core — адаптер MTProto для доменных пакетов коллектора.
// Преобразует вызовы резолвера, дискавери, краулера и догрузки истории
// в RPC gotd и обратно: tg.Channel → resolver.Entity, tg.Message →
// pipeline.Message, FLOOD_WAIT gotd → resolver.FloodWaitError. Доменные
// пакеты типов MTProto не видят.
package core

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"telegram-osint/internal/domain/pipeline"
	"telegram-osint/internal/infra/logger"
	"telegram-osint/internal/infra/telegram/peersmgr"
	"telegram-osint/internal/telegram/resolver"
	"telegram-osint/internal/tgutil"
)

// historyPageLimit — максимальный размер страницы MessagesGetHistory.
const historyPageLimit = 100

// Core оборачивает RPC-клиент gotd и кэш пиров. Все методы конвертируют
// FLOOD_WAIT в resolver.FloodWaitError, чтобы политика ожидания жила в
// одном месте — у вызывающих доменных сервисов.
type Core struct {
	api        *tg.Client
	peers      *peersmgr.Service
	minMembers int
}

// New собирает адаптер. peers может быть nil — тогда сущности из ответов
// не прогружаются в кэш пиров. minMembers — порог фильтра участников;
// ноль отключает дозапрос полной информации о канале.
func New(api *tg.Client, peers *peersmgr.Service, minMembers int) *Core {
	return &Core{api: api, peers: peers, minMembers: minMembers}
}

// Компиляторная проверка: Core закрывает срез API резолвера.
var _ resolver.API = (*Core)(nil)

// ResolveUsername резолвит @username в сущность канала или супергруппы.
func (c *Core) ResolveUsername(ctx context.Context, username string) (resolver.Entity, error) {
	resp, err := c.api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{
		Username: username,
	})
	if err != nil {
		return resolver.Entity{}, convertFlood(errors.Wrap(err, "resolve username"))
	}
	c.applyPeers(ctx, resp.Users, resp.Chats)

	channel := firstChannel(resp.Chats)
	if channel == nil {
		return resolver.Entity{}, errors.Errorf("@%s is not a channel or supergroup", username)
	}
	return c.entityOf(ctx, channel), nil
}

// ImportInvite вступает по инвайт-ссылке и возвращает сущность чата.
// Если аккаунт уже участник, обходимся без MessagesImportChatInvite.
func (c *Core) ImportInvite(ctx context.Context, hash string) (resolver.Entity, error) {
	checked, err := c.api.MessagesCheckChatInvite(ctx, hash)
	if err != nil {
		return resolver.Entity{}, convertFlood(errors.Wrap(err, "check invite"))
	}

	if already, ok := checked.(*tg.ChatInviteAlready); ok {
		if channel, chOk := already.Chat.(*tg.Channel); chOk {
			return c.entityOf(ctx, channel), nil
		}
		return resolver.Entity{}, errors.New("invite resolves to a plain chat")
	}

	updates, err := c.api.MessagesImportChatInvite(ctx, hash)
	if err != nil {
		return resolver.Entity{}, convertFlood(errors.Wrap(err, "import invite"))
	}
	channel := channelFromUpdates(updates)
	if channel == nil {
		return resolver.Entity{}, errors.New("invite import returned no channel")
	}
	c.applyPeers(ctx, nil, []tg.ChatClass{channel})
	return c.entityOf(ctx, channel), nil
}

// JoinChannel вступает в канал. Повторное вступление не ошибка.
func (c *Core) JoinChannel(ctx context.Context, ent resolver.Entity) error {
	_, err := c.api.ChannelsJoinChannel(ctx, &tg.InputChannel{
		ChannelID:  ent.ID,
		AccessHash: ent.AccessHash,
	})
	if err == nil || tgerr.Is(err, "USER_ALREADY_PARTICIPANT") {
		return nil
	}
	return convertFlood(errors.Wrap(err, "join channel"))
}

// Search выполняет глобальный поиск каналов по запросу дискавери.
func (c *Core) Search(ctx context.Context, query string, limit int) ([]resolver.Entity, error) {
	resp, err := c.api.ContactsSearch(ctx, &tg.ContactsSearchRequest{
		Q:     query,
		Limit: limit,
	})
	if err != nil {
		return nil, convertFlood(errors.Wrap(err, "contacts search"))
	}
	c.applyPeers(ctx, resp.Users, resp.Chats)

	entities := make([]resolver.Entity, 0, len(resp.Chats))
	for _, chat := range resp.Chats {
		channel, ok := chat.(*tg.Channel)
		if !ok {
			continue
		}
		entities = append(entities, c.entityOf(ctx, channel))
	}
	return entities, nil
}

// HistoryTexts отдаёт тексты последних сообщений канала для пробы краулера.
// Пустые сообщения (медиа без подписи, сервисные) пропускаются.
func (c *Core) HistoryTexts(ctx context.Context, ent resolver.Entity, limit int) ([]string, error) {
	messages, err := c.history(ctx, ent, limit, 0)
	if err != nil {
		return nil, err
	}
	texts := make([]string, 0, len(messages))
	for _, msg := range messages {
		if msg.Text == "" {
			continue
		}
		texts = append(texts, msg.Text)
	}
	return texts, nil
}

// HistoryMessages отдаёт сообщения канала с id строго выше minID для догрузки.
func (c *Core) HistoryMessages(ctx context.Context, ent resolver.Entity, limit, minID int) ([]pipeline.Message, error) {
	return c.history(ctx, ent, limit, minID)
}

// history листает MessagesGetHistory страницами по historyPageLimit от самых
// свежих сообщений вглубь, пока не соберёт limit или не упрётся в minID.
func (c *Core) history(ctx context.Context, ent resolver.Entity, limit, minID int) ([]pipeline.Message, error) {
	peer := &tg.InputPeerChannel{ChannelID: ent.ID, AccessHash: ent.AccessHash}

	collected := make([]pipeline.Message, 0, limit)
	offsetID := 0
	for len(collected) < limit {
		page := limit - len(collected)
		if page > historyPageLimit {
			page = historyPageLimit
		}

		resp, err := c.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
			Peer:     peer,
			OffsetID: offsetID,
			MinID:    minID,
			Limit:    page,
		})
		if err != nil {
			return nil, convertFlood(errors.Wrap(err, "get history"))
		}

		batch, err := normalizeHistoryResponse(resp)
		if err != nil {
			return nil, err
		}
		c.applyPeers(ctx, batch.Users, batch.Chats)
		if len(batch.Messages) == 0 {
			break
		}

		lastID := 0
		for _, raw := range batch.Messages {
			msg, ok := raw.(*tg.Message)
			if !ok {
				continue
			}
			lastID = msg.ID
			if minID > 0 && msg.ID <= minID {
				continue
			}
			collected = append(collected, pipeline.Message{
				ChatID: ent.ID,
				MsgID:  msg.ID,
				Date:   tgutil.MessageTime(msg),
				Text:   msg.Message,
			})
		}

		if lastID == 0 || (minID > 0 && lastID <= minID) {
			break
		}
		offsetID = lastID
	}
	return collected, nil
}

// entityOf строит resolver.Entity из tg.Channel. Число участников приходит
// в выдаче поиска не всегда; при отсутствии оно добирается через
// GetFullChannel, и только когда фильтр min_members вообще настроен.
// Ошибка дозапроса не бракует канал: счётчик остаётся неизвестным (-1),
// фильтр участников такие каналы пропускает.
func (c *Core) entityOf(ctx context.Context, channel *tg.Channel) resolver.Entity {
	participants, ok := channel.GetParticipantsCount()
	if !ok {
		participants = -1
		if c.minMembers > 0 {
			full, err := c.api.ChannelsGetFullChannel(ctx, &tg.InputChannel{
				ChannelID:  channel.ID,
				AccessHash: channel.AccessHash,
			})
			if err != nil {
				logger.Debugf("core: get full channel %d: %v", channel.ID, err)
			} else if chatFull, fullOk := full.FullChat.(*tg.ChannelFull); fullOk {
				participants = chatFull.ParticipantsCount
			}
		}
	}

	ent := resolver.Entity{
		ID:           channel.ID,
		AccessHash:   channel.AccessHash,
		Username:     channel.Username,
		Title:        channel.Title,
		Kind:         kindOf(channel),
		Participants: participants,
	}
	if c.peers != nil {
		c.peers.RememberChannel(peersmgr.ChannelMeta{
			ID:       channel.ID,
			Title:    channel.Title,
			Username: channel.Username,
		})
	}
	return ent
}

// applyPeers прогружает сущности из RPC-ответа в кэш пиров, чтобы access
// hash пережил рестарт. Ошибка кэша не должна ронять сам вызов.
func (c *Core) applyPeers(ctx context.Context, users []tg.UserClass, chats []tg.ChatClass) {
	if c.peers == nil {
		return
	}
	_ = c.peers.Apply(ctx, users, chats)
}

// kindOf канонизирует вид канала: вещательный или супергруппа.
func kindOf(channel *tg.Channel) string {
	if channel.Megagroup {
		return resolver.KindSupergroup
	}
	return resolver.KindChannel
}

// firstChannel возвращает первый tg.Channel из списка чатов.
func firstChannel(chats []tg.ChatClass) *tg.Channel {
	for _, chat := range chats {
		if channel, ok := chat.(*tg.Channel); ok {
			return channel
		}
	}
	return nil
}

// channelFromUpdates выуживает канал из ответа MessagesImportChatInvite.
func channelFromUpdates(updates tg.UpdatesClass) *tg.Channel {
	switch u := updates.(type) {
	case *tg.Updates:
		return firstChannel(u.Chats)
	case *tg.UpdatesCombined:
		return firstChannel(u.Chats)
	default:
		return nil
	}
}

// normalizeHistoryResponse приводит варианты ответа MessagesGetHistory к одному виду.
func normalizeHistoryResponse(resp tg.MessagesMessagesClass) (*tg.MessagesChannelMessages, error) {
	switch data := resp.(type) {
	case *tg.MessagesChannelMessages:
		return data, nil
	case *tg.MessagesMessagesSlice:
		return &tg.MessagesChannelMessages{
			Messages: data.Messages,
			Chats:    data.Chats,
			Users:    data.Users,
		}, nil
	case *tg.MessagesMessages:
		return &tg.MessagesChannelMessages{
			Messages: data.Messages,
			Chats:    data.Chats,
			Users:    data.Users,
		}, nil
	default:
		return nil, errors.Errorf("unexpected history response: %T", resp)
	}
}

// convertFlood переводит FLOOD_WAIT gotd в доменную ошибку резолвера.
// Остальные ошибки проходят как есть.
func convertFlood(err error) error {
	if err == nil {
		return nil
	}
	if wait, ok := tgerr.AsFloodWait(err); ok {
		return &resolver.FloodWaitError{Seconds: int(wait.Seconds())}
	}
	return err
}
