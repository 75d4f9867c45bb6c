package crawl_test

import (
	"context"
	"reflect"
	"testing"
	"time"

	"telegram-osint/internal/domain/crawl"
	"telegram-osint/internal/domain/discovery"
	"telegram-osint/internal/domain/scoring"
	"telegram-osint/internal/infra/config"
	"telegram-osint/internal/telegram/resolver"
)

type fakeSource struct {
	entities map[string]resolver.Entity
	history  map[string][]string
	histErr  map[string]error
	joined   []string
	resolved []string
}

func (f *fakeSource) Resolve(_ context.Context, ref string) (resolver.Entity, error) {
	f.resolved = append(f.resolved, ref)
	ent, ok := f.entities[ref]
	if !ok {
		return resolver.Entity{}, &resolver.FloodWaitError{Seconds: 9000}
	}
	return ent, nil
}

func (f *fakeSource) EnsureJoin(_ context.Context, ent resolver.Entity) {
	f.joined = append(f.joined, ent.Username)
}

func (f *fakeSource) History(_ context.Context, ent resolver.Entity, _ int) ([]string, error) {
	if err := f.histErr[ent.Username]; err != nil {
		return nil, err
	}
	return f.history[ent.Username], nil
}

func crawlCfg() config.CrawlConfig {
	return config.CrawlConfig{
		Enabled:              true,
		MaxDepth:             1,
		MaxChannels:          100,
		FollowMentions:       true,
		FollowTMeLinks:       true,
		AllowTypes:           []string{"channel", "supergroup"},
		JoinSleepMs:          0,
		MaxWaitOnFloodS:      120,
		GlobalTimeLimitS:     600,
		SampleMessages:       50,
		LowQualityCooldownS:  3600,
		QMinSamples:          5,
		QMinHitRate:          0.05,
		QMaxNegativeRate:     0.50,
		QMinAvgLen:           5,
		WHitRate:             -1.0,
		WDepth:               0.3,
		WSeedBonus:           -0.5,
		WRecentBonus:         -0.2,
	}
}

func goodTexts(n int) []string {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, "drone activity reported near the border")
	}
	return out
}

func junkTexts(n int) []string {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, "buy cheap followers right now")
	}
	return out
}

func newCrawler(src crawl.Source, cfg config.CrawlConfig, cd *crawl.Cooldown) *crawl.Crawler {
	scorer := scoring.New([]string{"drone"}, []string{"casino"})
	filters := discovery.NewFilterSet(config.DiscoveryFilters{}, cfg.AllowTypes)
	return crawl.New(src, scorer, filters, cd, cfg, nil, nil)
}

func TestRunFollowsMentionsAndLinks(t *testing.T) {
	t.Parallel()

	seedHistory := append(goodTexts(10),
		"follow @good_news for updates",
		"mirror at https://t.me/spam_zone/5",
	)
	src := &fakeSource{
		entities: map[string]resolver.Entity{
			"seed_feed": {ID: 1, Username: "seed_feed", Kind: "channel", Participants: 100},
			"good_news": {ID: 2, Username: "good_news", Kind: "channel", Participants: 100},
			"spam_zone": {ID: 3, Username: "spam_zone", Kind: "channel", Participants: 100},
		},
		history: map[string][]string{
			"seed_feed": seedHistory,
			"good_news": goodTexts(8),
			"spam_zone": junkTexts(8),
		},
	}

	cd := crawl.NewCooldown(nil)
	got := newCrawler(src, crawlCfg(), cd).Run(context.Background(), []string{"@Seed_Feed"})

	want := []string{"@good_news", "@seed_feed"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Run() = %v, want %v", got, want)
	}

	// Низкокачественный канал уходит в карантин.
	if !cd.Blocked(3) {
		t.Fatal("spam_zone (id 3) not quarantined")
	}
	if cd.Blocked(2) {
		t.Fatal("good_news (id 2) unexpectedly quarantined")
	}
}

func TestRunCooldownSkipsChannel(t *testing.T) {
	t.Parallel()

	src := &fakeSource{
		entities: map[string]resolver.Entity{
			"seed_feed": {ID: 1, Username: "seed_feed", Kind: "channel"},
		},
		history: map[string][]string{"seed_feed": goodTexts(10)},
	}

	cd := crawl.NewCooldown(nil)
	cd.Block(1, time.Hour)

	got := newCrawler(src, crawlCfg(), cd).Run(context.Background(), []string{"seed_feed"})
	if len(got) != 0 {
		t.Fatalf("Run() = %v, want empty for quarantined seed", got)
	}
	if len(src.joined) != 0 {
		t.Fatalf("joined = %v, want none", src.joined)
	}
}

func TestRunDepthLimit(t *testing.T) {
	t.Parallel()

	// seed → level1 → level2; при max_depth=1 level2 не посещается.
	src := &fakeSource{
		entities: map[string]resolver.Entity{
			"seed_feed": {ID: 1, Username: "seed_feed", Kind: "channel"},
			"level_one": {ID: 2, Username: "level_one", Kind: "channel"},
			"level_two": {ID: 3, Username: "level_two", Kind: "channel"},
		},
		history: map[string][]string{
			"seed_feed": append(goodTexts(10), "see @level_one"),
			"level_one": append(goodTexts(10), "see @level_two"),
			"level_two": goodTexts(10),
		},
	}

	got := newCrawler(src, crawlCfg(), crawl.NewCooldown(nil)).Run(context.Background(), []string{"seed_feed"})
	want := []string{"@level_one", "@seed_feed"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Run() = %v, want %v", got, want)
	}
	for _, ref := range src.resolved {
		if ref == "level_two" {
			t.Fatal("level_two resolved beyond max_depth")
		}
	}
}

func TestRunChannelBudget(t *testing.T) {
	t.Parallel()

	cfg := crawlCfg()
	cfg.MaxChannels = 1

	src := &fakeSource{
		entities: map[string]resolver.Entity{
			"seed_feed": {ID: 1, Username: "seed_feed", Kind: "channel"},
			"good_news": {ID: 2, Username: "good_news", Kind: "channel"},
		},
		history: map[string][]string{
			"seed_feed": append(goodTexts(10), "see @good_news"),
			"good_news": goodTexts(10),
		},
	}

	got := newCrawler(src, cfg, crawl.NewCooldown(nil)).Run(context.Background(), []string{"seed_feed"})
	want := []string{"@seed_feed"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Run() = %v, want %v", got, want)
	}
}

func TestRunBudgetCountsAccepted(t *testing.T) {
	t.Parallel()

	// Отсеянные кандидаты не тратят бюджет: лимит считает принятые каналы.
	cfg := crawlCfg()
	cfg.MaxChannels = 2

	src := &fakeSource{
		entities: map[string]resolver.Entity{
			"bot_seed":  {ID: 1, Username: "bot_seed", Kind: "bot"},
			"seed_feed": {ID: 2, Username: "seed_feed", Kind: "channel"},
			"good_news": {ID: 3, Username: "good_news", Kind: "channel"},
		},
		history: map[string][]string{
			"seed_feed": append(goodTexts(10), "see @good_news"),
			"good_news": goodTexts(10),
		},
	}

	got := newCrawler(src, cfg, crawl.NewCooldown(nil)).Run(context.Background(), []string{"bot_seed", "seed_feed"})
	want := []string{"@good_news", "@seed_feed"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Run() = %v, want %v", got, want)
	}
}

func TestRunSeedPassesFilters(t *testing.T) {
	t.Parallel()

	// Фильтры действуют и на сиды: бот из списка сидов не принимается.
	src := &fakeSource{
		entities: map[string]resolver.Entity{
			"bot_seed": {ID: 1, Username: "bot_seed", Kind: "bot"},
		},
		history: map[string][]string{"bot_seed": goodTexts(10)},
	}

	got := newCrawler(src, crawlCfg(), crawl.NewCooldown(nil)).Run(context.Background(), []string{"bot_seed"})
	if len(got) != 0 {
		t.Fatalf("Run() = %v, want empty for filtered seed", got)
	}
	if len(src.joined) != 0 {
		t.Fatalf("joined = %v, want none", src.joined)
	}
}

func TestRunBlockedRefNotResolved(t *testing.T) {
	t.Parallel()

	src := &fakeSource{
		entities: map[string]resolver.Entity{
			"seed_feed": {ID: 1, Username: "seed_feed", Kind: "channel"},
			"spam_zone": {ID: 2, Username: "spam_zone", Kind: "channel"},
		},
		history: map[string][]string{
			"seed_feed": goodTexts(10),
			"spam_zone": goodTexts(10),
		},
	}

	scorer := scoring.New([]string{"drone"}, []string{"casino"})
	filters := discovery.NewFilterSet(config.DiscoveryFilters{}, crawlCfg().AllowTypes)
	blocked := func(ref string) bool { return ref == "spam_zone" }
	c := crawl.New(src, scorer, filters, crawl.NewCooldown(nil), crawlCfg(), blocked, nil)

	got := c.Run(context.Background(), []string{"seed_feed", "spam_zone"})
	want := []string{"@seed_feed"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Run() = %v, want %v", got, want)
	}
	// Заблокированная ссылка гасится до резолва.
	for _, ref := range src.resolved {
		if ref == "spam_zone" {
			t.Fatal("spam_zone resolved despite block-list")
		}
	}
}

func TestRunChannelTimeLimitAcceptsWithoutExpansion(t *testing.T) {
	t.Parallel()

	cfg := crawlCfg()
	cfg.PerChannelTimeLimitS = 1

	// Канал, не уложившийся в стенку времени, принимается, но соседей
	// в этот проход не даёт.
	src := &fakeSource{
		entities: map[string]resolver.Entity{
			"slow_feed": {ID: 1, Username: "slow_feed", Kind: "channel"},
		},
		histErr: map[string]error{"slow_feed": context.DeadlineExceeded},
	}

	got := newCrawler(src, cfg, crawl.NewCooldown(nil)).Run(context.Background(), []string{"slow_feed"})
	want := []string{"@slow_feed"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Run() = %v, want %v", got, want)
	}
	if len(src.resolved) != 1 {
		t.Fatalf("resolved = %v, want only slow_feed", src.resolved)
	}
}

func TestRunDisabled(t *testing.T) {
	t.Parallel()

	cfg := crawlCfg()
	cfg.Enabled = false

	src := &fakeSource{}
	if got := newCrawler(src, cfg, crawl.NewCooldown(nil)).Run(context.Background(), []string{"seed"}); got != nil {
		t.Fatalf("Run() = %v, want nil when disabled", got)
	}
	if len(src.resolved) != 0 {
		t.Fatalf("resolved = %v, want none when disabled", src.resolved)
	}
}

func TestRunBlocklistedTextNotExpanded(t *testing.T) {
	t.Parallel()

	cfg := crawlCfg()
	cfg.BlocklistKeywords = []string{"casino"}

	src := &fakeSource{
		entities: map[string]resolver.Entity{
			"seed_feed": {ID: 1, Username: "seed_feed", Kind: "channel"},
			"good_news": {ID: 2, Username: "good_news", Kind: "channel"},
		},
		history: map[string][]string{
			"seed_feed": append(goodTexts(10), "casino bonus at @good_news"),
			"good_news": goodTexts(10),
		},
	}

	got := newCrawler(src, cfg, crawl.NewCooldown(nil)).Run(context.Background(), []string{"seed_feed"})
	want := []string{"@seed_feed"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Run() = %v, want %v (blocklisted text must not expand)", got, want)
	}
}
