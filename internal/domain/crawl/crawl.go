// Package crawl — рекурсивный обход каналов по упоминаниям и ссылкам.
// Обход стартует с сидов, читает выборку сообщений каждого канала,
// пропускает её через ворота качества и, если канал годный, извлекает
// из его сообщений @упоминания и ссылки t.me как новых кандидатов.
// Фронтир упорядочен приоритетом: наследованная доля совпадений
// родителя, глубина, сид-бонус и бонус живости канала.
//
// Ограничители обхода: лимит каналов за проход, глубина, стенки времени
// (на канал и на весь проход) и карантин низкокачественных каналов
// между проходами.
package crawl

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"telegram-osint/internal/domain/discovery"
	"telegram-osint/internal/domain/lang"
	"telegram-osint/internal/domain/scoring"
	"telegram-osint/internal/infra/clock"
	"telegram-osint/internal/infra/config"
	"telegram-osint/internal/infra/logger"
	"telegram-osint/internal/telegram/resolver"
)

// expansionLimit — сколько сообщений канала просматривается при
// извлечении ссылок на соседей.
const expansionLimit = 200

var (
	mentionRe = regexp.MustCompile(`@([A-Za-z0-9_]{4,32})`)
	tmeLinkRe = regexp.MustCompile(`https?://t\.me/([A-Za-z0-9_+]{4,64})(?:/\d+)?`)
)

// Source — срез Telegram-слоя, нужный обходу: резолв ссылок, вступление
// и чтение последних сообщений канала.
type Source interface {
	Resolve(ctx context.Context, ref string) (resolver.Entity, error)
	EnsureJoin(ctx context.Context, ent resolver.Entity)
	History(ctx context.Context, ent resolver.Entity, limit int) ([]string, error)
}

// Crawler выполняет проходы обхода. Карантин живёт между проходами,
// остальное состояние (фронтир, посещённые) — на один Run.
type Crawler struct {
	src      Source
	scorer   *scoring.Scorer
	filters  *discovery.FilterSet
	cfg      config.CrawlConfig
	blocked  func(username string) bool
	cooldown *Cooldown
	now      clock.Func

	// Sleep реализует паузу между вступлениями; заменяется в тестах.
	Sleep func(ctx context.Context, d time.Duration) error
}

// New собирает краулер. blocked и now могут быть nil (пустой блок-лист,
// реальное время); cooldown обязателен, он разделяется между проходами.
func New(src Source, scorer *scoring.Scorer, filters *discovery.FilterSet, cooldown *Cooldown,
	cfg config.CrawlConfig, blocked func(string) bool, now clock.Func) *Crawler {
	if blocked == nil {
		blocked = func(string) bool { return false }
	}
	if now == nil {
		now = clock.NowUTC
	}
	return &Crawler{
		src:      src,
		scorer:   scorer,
		filters:  filters,
		cfg:      cfg,
		blocked:  blocked,
		cooldown: cooldown,
		now:      now,
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

// Run выполняет один проход обхода от сидов и возвращает отсортированный
// список принятых каналов вида @username. Выключенный обход возвращает nil.
func (c *Crawler) Run(ctx context.Context, seeds []string) []string {
	if !c.cfg.Enabled {
		return nil
	}

	started := c.now()
	weights := Weights{
		HitRate:     c.cfg.WHitRate,
		Depth:       c.cfg.WDepth,
		SeedBonus:   c.cfg.WSeedBonus,
		RecentBonus: c.cfg.WRecentBonus,
	}

	frontier := NewFrontier(weights)
	seedSet := make(map[string]struct{}, len(seeds))
	for _, seed := range seeds {
		ref := resolver.NormalizeRef(seed)
		if ref == "" {
			continue
		}
		seedSet[ref] = struct{}{}
		frontier.Push(Candidate{Ref: ref, Depth: 0, Seed: true})
	}

	visited := make(map[string]struct{})
	enqueued := make(map[string]struct{}, len(seedSet))
	for ref := range seedSet {
		enqueued[ref] = struct{}{}
	}
	accepted := make(map[string]struct{})
	processed := 0

	for frontier.Len() > 0 {
		if ctx.Err() != nil {
			break
		}
		if len(accepted) >= c.cfg.MaxChannels {
			logger.Debugf("crawl: channel budget %d exhausted", c.cfg.MaxChannels)
			break
		}
		if c.globalDeadlineHit(started) {
			logger.Debug("crawl: global time limit reached")
			break
		}

		cand, ok := frontier.Pop()
		if !ok {
			break
		}
		if _, seen := visited[cand.Ref]; seen {
			continue
		}
		visited[cand.Ref] = struct{}{}

		// Блок-лист гасит кандидата до RPC резолва.
		if c.blocked(cand.Ref) {
			logger.Debugf("crawl: %s is block-listed", cand.Ref)
			continue
		}

		ent, err := c.src.Resolve(ctx, cand.Ref)
		if err != nil {
			logger.Debugf("crawl: resolve %q: %v", cand.Ref, err)
			continue
		}
		processed++

		if c.cooldown.Blocked(ent.ID) {
			logger.Debugf("crawl: %s is cooling down", cand.Ref)
			continue
		}
		// Ворота едины для сидов и найденных: канал, не проходящий фильтры,
		// не принимается, даже если его вписали руками.
		if ok, reason := c.filters.Pass(ent); !ok {
			logger.Debugf("crawl: reject %s: %s", cand.Ref, reason)
			continue
		}

		c.src.EnsureJoin(ctx, ent)
		if c.cfg.JoinSleepMs > 0 {
			if err := c.Sleep(ctx, time.Duration(c.cfg.JoinSleepMs)*time.Millisecond); err != nil {
				break
			}
		}

		probe, texts, err := c.probeChannel(ctx, ent)
		if err != nil {
			// Стенка времени канала не бракует сам канал: он принят,
			// но соседей в этот проход не даёт.
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				logger.Debugf("crawl: %s hit channel time limit, accepted without expansion", cand.Ref)
				if ent.Username != "" {
					accepted["@"+strings.ToLower(ent.Username)] = struct{}{}
				}
				continue
			}
			logger.Debugf("crawl: probe %s: %v", cand.Ref, err)
			continue
		}

		if ok, reason := probe.Gate(c.cfg); !ok {
			c.cooldown.Block(ent.ID, time.Duration(c.cfg.LowQualityCooldownS)*time.Second)
			logger.Debugf("crawl: quarantine %s: %s", cand.Ref, reason)
			continue
		}

		if ent.Username != "" {
			accepted["@"+strings.ToLower(ent.Username)] = struct{}{}
		}

		if cand.Depth < c.cfg.MaxDepth {
			c.expand(ctx, frontier, enqueued, seedSet, cand, probe, texts)
		}
	}

	found := make([]string, 0, len(accepted))
	for username := range accepted {
		found = append(found, username)
	}
	sort.Strings(found)

	logger.Infof("crawl: %d channels accepted, %d visited in %s",
		len(found), processed, c.now().Sub(started).Round(time.Second))
	return found
}

// globalDeadlineHit проверяет стенку времени всего прохода.
func (c *Crawler) globalDeadlineHit(started time.Time) bool {
	if c.cfg.GlobalTimeLimitS <= 0 {
		return false
	}
	return c.now().Sub(started) >= time.Duration(c.cfg.GlobalTimeLimitS)*time.Second
}

// probeChannel читает выборку сообщений канала под стенкой времени канала
// и собирает статистику качества. Тексты возвращаются вызывающему для
// извлечения ссылок без повторного чтения.
func (c *Crawler) probeChannel(ctx context.Context, ent resolver.Entity) (*Probe, []string, error) {
	chCtx := ctx
	if c.cfg.PerChannelTimeLimitS > 0 {
		var cancel context.CancelFunc
		chCtx, cancel = context.WithTimeout(ctx, time.Duration(c.cfg.PerChannelTimeLimitS)*time.Second)
		defer cancel()
	}

	limit := c.cfg.SampleMessages
	if limit < expansionLimit {
		limit = expansionLimit
	}
	texts, err := c.src.History(chCtx, ent, limit)
	if err != nil {
		return nil, nil, err
	}

	probe := &Probe{}
	sampled := 0
	for _, text := range texts {
		if sampled >= c.cfg.SampleMessages {
			break
		}
		if text == "" || c.blocklisted(text) {
			continue
		}
		sampled++

		hit := c.scorer.Score(text).Score > 0
		negative := c.scorer.HasNegative(text)
		target := lang.IsTarget(lang.Detect(text))
		probe.Observe(hit, negative, target, len([]rune(text)))
	}
	return probe, texts, nil
}

// expand извлекает из сообщений канала ссылки на соседей и кладёт их во
// фронтир. Соседи наследуют долю совпадений родителя; живой канал
// (непустая выборка) даёт соседям бонус свежести. enqueued гасит
// дубликаты между каналами: одна ссылка попадает в кучу один раз.
func (c *Crawler) expand(ctx context.Context, frontier *Frontier, enqueued map[string]struct{},
	seedSet map[string]struct{}, parent Candidate, probe *Probe, texts []string) {

	recentBonus := 0.0
	if probe.Total > 0 {
		recentBonus = 1.0
	}
	hitRate := probe.HitRate()

	pushed := 0
	scanned := 0
	for _, text := range texts {
		if ctx.Err() != nil {
			return
		}
		if scanned >= expansionLimit {
			break
		}
		scanned++
		if text == "" || c.blocklisted(text) {
			continue
		}

		for _, ref := range c.extractRefs(text) {
			if _, seen := enqueued[ref]; seen {
				continue
			}
			if c.blocked(ref) {
				continue
			}
			_, isSeed := seedSet[ref]
			frontier.Push(Candidate{
				Ref:         ref,
				Depth:       parent.Depth + 1,
				HitRate:     hitRate,
				Seed:        isSeed,
				RecentBonus: recentBonus,
			})
			enqueued[ref] = struct{}{}
			pushed++
		}
	}
	logger.Debugf("crawl: %s gave %d neighbors", parent.Ref, pushed)
}

// extractRefs возвращает нормализованные ссылки на каналы из текста.
func (c *Crawler) extractRefs(text string) []string {
	var refs []string
	if c.cfg.FollowMentions {
		for _, m := range mentionRe.FindAllStringSubmatch(text, -1) {
			refs = append(refs, resolver.NormalizeRef(m[1]))
		}
	}
	if c.cfg.FollowTMeLinks {
		for _, m := range tmeLinkRe.FindAllStringSubmatch(text, -1) {
			refs = append(refs, resolver.NormalizeRef(m[1]))
		}
	}
	return refs
}

// blocklisted проверяет текст сообщения на стоп-слова обхода.
func (c *Crawler) blocklisted(text string) bool {
	if len(c.cfg.BlocklistKeywords) == 0 {
		return false
	}
	lower := strings.ToLower(text)
	for _, kw := range c.cfg.BlocklistKeywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
