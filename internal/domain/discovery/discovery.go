// Package discovery — поиск новых каналов-источников по ключевым запросам.
// Запросы уходят в глобальный поиск Telegram, кандидаты проходят фильтры
// (тип чата, размер аудитории, имя, блок-паттерны username) и возвращаются
// отсортированным списком ссылок вида @username. Дискавери ничего не
// сохраняет: найденные каналы дальше обрабатывают краулер и backfill.
package discovery

import (
	"context"
	"sort"
	"strings"
	"time"

	"telegram-osint/internal/infra/config"
	"telegram-osint/internal/infra/logger"
	"telegram-osint/internal/telegram/resolver"
)

// queryTimeout — предел одного поискового запроса. Глобальный поиск у
// Telegram бывает медленным, но висеть на нём весь проход обслуживания
// нельзя.
const queryTimeout = 15 * time.Second

// Searcher — срез клиента Telegram для глобального поиска каналов.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]resolver.Entity, error)
}

// Service выполняет один проход дискавери по списку запросов.
type Service struct {
	api     Searcher
	filters *FilterSet
	cfg     config.DiscoveryConfig

	// Sleep реализует паузу FLOOD_WAIT; заменяется в тестах политики.
	Sleep func(ctx context.Context, d time.Duration) error
}

// New собирает сервис дискавери. Фильтры компилируются один раз.
func New(api Searcher, cfg config.DiscoveryConfig) *Service {
	return &Service{
		api:     api,
		filters: NewFilterSet(cfg.Filters, cfg.Crawl.AllowTypes),
		cfg:     cfg,
		Sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

// Run прогоняет все запросы и возвращает отсортированный список ссылок
// @username без дубликатов. Ошибка одного запроса не прерывает проход:
// остальные запросы всё ещё могут дать кандидатов.
func (s *Service) Run(ctx context.Context) []string {
	seen := make(map[string]struct{})

	for _, query := range s.cfg.Queries {
		if ctx.Err() != nil {
			break
		}
		entities, err := s.searchOnce(ctx, query)
		if err != nil {
			logger.Warnf("discovery: query %q failed: %v", query, err)
			continue
		}

		accepted := 0
		for _, ent := range entities {
			if ent.Username == "" {
				continue
			}
			if ok, reason := s.filters.Pass(ent); !ok {
				logger.Debugf("discovery: reject @%s: %s", ent.Username, reason)
				continue
			}
			seen[strings.ToLower(ent.Username)] = struct{}{}
			accepted++
		}
		logger.Debugf("discovery: query %q gave %d candidates, %d accepted", query, len(entities), accepted)
	}

	found := make([]string, 0, len(seen))
	for username := range seen {
		found = append(found, "@"+username)
	}
	sort.Strings(found)

	logger.Infof("discovery: %d channels found across %d queries", len(found), len(s.cfg.Queries))
	return found
}

// searchOnce выполняет один запрос с таймаутом и единой политикой
// FLOOD_WAIT: высиживаемое ожидание — пауза и один повтор.
func (s *Service) searchOnce(ctx context.Context, query string) ([]resolver.Entity, error) {
	qctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	entities, err := s.api.Search(qctx, query, s.cfg.LimitPerQuery)
	if err == nil {
		return entities, nil
	}

	seconds, ok := resolver.AsFloodWait(err)
	if !ok || seconds > s.cfg.Crawl.MaxWaitOnFloodS {
		return nil, err
	}

	wait := time.Duration(seconds+s.cfg.Crawl.FloodwaitPaddingS) * time.Second
	logger.Debugf("discovery: FLOOD_WAIT %ds on %q, sleeping %s", seconds, query, wait)
	if err := s.Sleep(ctx, wait); err != nil {
		return nil, err
	}

	qctx2, cancel2 := context.WithTimeout(ctx, queryTimeout)
	defer cancel2()
	return s.api.Search(qctx2, query, s.cfg.LimitPerQuery)
}
