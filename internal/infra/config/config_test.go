package config_test

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"telegram-osint/internal/infra/config"
)

// writeConfig сохраняет YAML во временный файл и возвращает его путь.
func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// clearEnv снимает переменные, влияющие на загрузку, чтобы окружение машины
// разработчика не просачивалось в тест. t.Setenv регистрирует восстановление
// исходного значения, после чего переменная удаляется целиком: godotenv не
// перекрывает уже существующие в окружении переменные, даже пустые.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"API_ID", "API_HASH", "PHONE_NUMBER", "SESSION_FILE", "PEERS_CACHE_FILE",
		"LOG_LEVEL", "LOG_FILE", "THROTTLE_RPS", "DEDUP_WINDOW_SEC", "TEST_DC",
		"DEEPL_API_KEY", "DEEPL_API_URL",
	} {
		t.Setenv(name, "")
		if err := os.Unsetenv(name); err != nil {
			t.Fatalf("unsetenv %s: %v", name, err)
		}
	}
}

const minimalYAML = `
api_id: 12345
api_hash: "abcdef0123456789"
keywords:
  ja: ["ミサイル"]
  en: ["drone strike"]
`

func TestLoadMinimalDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load(writeConfig(t, minimalYAML), "no-such.env")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.APIID != 12345 || cfg.APIHash != "abcdef0123456789" {
		t.Fatalf("credentials = (%d, %q)", cfg.APIID, cfg.APIHash)
	}
	if cfg.SQLitePath != "./osint_tele.db" {
		t.Fatalf("SQLitePath = %q, want default", cfg.SQLitePath)
	}
	if cfg.ScoreThreshold != 1 {
		t.Fatalf("ScoreThreshold = %d, want 1", cfg.ScoreThreshold)
	}
	if cfg.Collect.BackfillLimit != 1000 || cfg.Collect.PollIntervalSec != 5 {
		t.Fatalf("collect defaults = %+v", cfg.Collect)
	}
	if cfg.Translation.Enabled || cfg.Translation.Provider != "googletrans" || cfg.Translation.TimeoutSec != 8 {
		t.Fatalf("translation defaults = %+v", cfg.Translation)
	}
	if cfg.Translation.DeepLAPIURL != "https://api-free.deepl.com/v2/translate" {
		t.Fatalf("DeepLAPIURL = %q, want default", cfg.Translation.DeepLAPIURL)
	}
	if cfg.Discovery.LimitPerQuery != 25 {
		t.Fatalf("LimitPerQuery = %d, want 25", cfg.Discovery.LimitPerQuery)
	}
	cw := cfg.Discovery.Crawl
	if cw.Enabled || cw.MaxDepth != 1 || cw.MaxChannels != 100 || !cw.FollowMentions || !cw.FollowTMeLinks {
		t.Fatalf("crawl defaults = %+v", cw)
	}
	if want := []string{"channel", "supergroup"}; !reflect.DeepEqual(cw.AllowTypes, want) {
		t.Fatalf("AllowTypes = %#v, want %#v", cw.AllowTypes, want)
	}
	if cw.JoinSleepMs != 600 || cw.FloodwaitPaddingS != 2 || cw.MaxWaitOnFloodS != 120 ||
		cw.GlobalTimeLimitS != 600 || cw.SampleMessages != 50 || cw.PerChannelTimeLimitS != 20 ||
		cw.LowQualityCooldownS != 86400 {
		t.Fatalf("crawl limits = %+v", cw)
	}
	if cw.QMinSamples != 10 || cw.QMinHitRate != 0.05 || cw.QMaxNegativeRate != 0.50 || cw.QMinAvgLen != 10 {
		t.Fatalf("crawl gates = %+v", cw)
	}
	if cw.WHitRate != -1.0 || cw.WDepth != 0.3 || cw.WSeedBonus != -0.5 || cw.WRecentBonus != -0.2 {
		t.Fatalf("crawl weights = %+v", cw)
	}
	if cfg.Maintenance.IntervalSec != 0 || !cfg.Maintenance.RunDiscover || !cfg.Maintenance.RunCrawl ||
		!cfg.Maintenance.BackfillNewOnly {
		t.Fatalf("maintenance defaults = %+v", cfg.Maintenance)
	}
	if cfg.Session != "data/collector.session" {
		t.Fatalf("Session = %q, want env default", cfg.Session)
	}
	if want := []string{"ミサイル", "drone strike"}; !reflect.DeepEqual(cfg.Keywords.Flatten(), want) {
		t.Fatalf("Flatten() = %#v, want %#v", cfg.Keywords.Flatten(), want)
	}
}

func TestLoadExplicitValuesOverrideDefaults(t *testing.T) {
	clearEnv(t)

	body := `
api_id: 7
api_hash: "hash"
session: "custom/osint.session"
sqlite_path: "custom/osint.db"
seed_channels: ["@osint_ja", "warmonitor", ""]
block_channels: ["@Spam_Channel", "casinobot"]
score_threshold: 2
keywords:
  en: ["border", "", "  "]
  ru: ["граница"]
negatives: ["casino", ""]
collect:
  backfill_limit: 50
translation:
  enabled: true
  provider: DeepL
  deepl_api_key: "yaml-key"
discovery:
  queries: ["осинт"]
  filters:
    min_members: 500
    name_must_include: ["osint"]
  crawl:
    enabled: true
    max_depth: 2
    w_depth: 0.7
    allow_types: ["Channel"]
maintenance:
  interval_sec: 900
  run_discover: false
`
	cfg, err := config.Load(writeConfig(t, body), "no-such.env")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Session != "custom/osint.session" || cfg.SQLitePath != "custom/osint.db" {
		t.Fatalf("paths = (%q, %q)", cfg.Session, cfg.SQLitePath)
	}
	if want := []string{"@osint_ja", "warmonitor"}; !reflect.DeepEqual(cfg.SeedChannels, want) {
		t.Fatalf("SeedChannels = %#v, want %#v", cfg.SeedChannels, want)
	}
	if want := []string{"border", "граница"}; !reflect.DeepEqual(cfg.Keywords.Flatten(), want) {
		t.Fatalf("Flatten() = %#v, want %#v", cfg.Keywords.Flatten(), want)
	}
	if want := []string{"casino"}; !reflect.DeepEqual(cfg.Negatives, want) {
		t.Fatalf("Negatives = %#v, want %#v", cfg.Negatives, want)
	}
	if cfg.Translation.Provider != "deepl" || cfg.Translation.DeepLAPIKey != "yaml-key" {
		t.Fatalf("translation = %+v", cfg.Translation)
	}
	if cfg.Discovery.Filters.MinMembers != 500 {
		t.Fatalf("MinMembers = %d, want 500", cfg.Discovery.Filters.MinMembers)
	}
	if cfg.Discovery.Crawl.MaxDepth != 2 || cfg.Discovery.Crawl.WDepth != 0.7 || cfg.Discovery.Crawl.WHitRate != -1.0 {
		t.Fatalf("crawl = %+v", cfg.Discovery.Crawl)
	}
	if want := []string{"channel"}; !reflect.DeepEqual(cfg.Discovery.Crawl.AllowTypes, want) {
		t.Fatalf("AllowTypes = %#v, want %#v", cfg.Discovery.Crawl.AllowTypes, want)
	}
	if cfg.Maintenance.IntervalSec != 900 || cfg.Maintenance.RunDiscover || !cfg.Maintenance.RunCrawl {
		t.Fatalf("maintenance = %+v", cfg.Maintenance)
	}
}

func TestIsBlocked(t *testing.T) {
	clearEnv(t)

	body := minimalYAML + `block_channels: ["@Spam_Channel", "casinobot"]` + "\n"
	cfg, err := config.Load(writeConfig(t, body), "no-such.env")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	cases := []struct {
		username string
		want     bool
	}{
		{"spam_channel", true},
		{"@SPAM_channel", true},
		{" casinobot ", true},
		{"newsfeed", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := cfg.IsBlocked(tc.username); got != tc.want {
			t.Fatalf("IsBlocked(%q) = %v, want %v", tc.username, got, tc.want)
		}
	}
}

func TestLoadEnvOverridesYAML(t *testing.T) {
	clearEnv(t)
	t.Setenv("API_ID", "999")
	t.Setenv("API_HASH", "envhash")
	t.Setenv("SESSION_FILE", "custom/session.bin")
	t.Setenv("THROTTLE_RPS", "3")
	t.Setenv("DEEPL_API_KEY", "key:fx")

	cfg, err := config.Load(writeConfig(t, minimalYAML), "no-such.env")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.APIID != 999 || cfg.APIHash != "envhash" {
		t.Fatalf("credentials = (%d, %q), want env values", cfg.APIID, cfg.APIHash)
	}
	if cfg.Session != "custom/session.bin" {
		t.Fatalf("Session = %q", cfg.Session)
	}
	if cfg.Env.ThrottleRPS != 3 {
		t.Fatalf("ThrottleRPS = %d, want 3", cfg.Env.ThrottleRPS)
	}
	if cfg.Translation.DeepLAPIKey != "key:fx" {
		t.Fatalf("DeepLAPIKey = %q, want env fallback", cfg.Translation.DeepLAPIKey)
	}
}

func TestLoadEnvDoesNotOverrideExplicitDeepLKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("DEEPL_API_KEY", "env-key")

	body := minimalYAML + "translation:\n  deepl_api_key: yaml-key\n"
	cfg, err := config.Load(writeConfig(t, body), "no-such.env")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Translation.DeepLAPIKey != "yaml-key" {
		t.Fatalf("DeepLAPIKey = %q, want yaml value kept", cfg.Translation.DeepLAPIKey)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "missingAPIID",
			body:    "api_hash: h\n",
			wantErr: "api_id",
		},
		{
			name:    "missingAPIHash",
			body:    "api_id: 1\n",
			wantErr: "api_hash",
		},
		{
			name:    "emptySQLitePath",
			body:    "api_id: 1\napi_hash: h\nsqlite_path: \" \"\n",
			wantErr: "sqlite_path",
		},
		{
			name:    "unknownKey",
			body:    "api_id: 1\napi_hash: h\nkeyword_typo: [b]\n",
			wantErr: "keyword_typo",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			_, err := config.Load(writeConfig(t, tc.body), "no-such.env")
			if err == nil {
				t.Fatalf("Load() error = nil, want containing %q", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Load() error = %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}

// Пустые ключевые слова — валидный конфиг: коллектор поднимается, скорер
// отдаёт нули, в базу ничего не попадает.
func TestLoadEmptyKeywordsIsValid(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load(writeConfig(t, "api_id: 1\napi_hash: h\n"), "no-such.env")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.Keywords.Flatten(); len(got) != 0 {
		t.Fatalf("Flatten() = %#v, want empty", got)
	}
}

func TestLoadWarningsOnBadValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("THROTTLE_RPS", "zero")
	t.Setenv("LOG_LEVEL", "verbose")

	body := minimalYAML + `
collect:
  backfill_limit: -5
translation:
  provider: yandex
discovery:
  filters:
    username_block_patterns: ["[broken"]
  crawl:
    allow_types: ["channel", "bot"]
`
	cfg, err := config.Load(writeConfig(t, body), "no-such.env")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Env.ThrottleRPS != 1 {
		t.Fatalf("ThrottleRPS = %d, want default 1", cfg.Env.ThrottleRPS)
	}
	if cfg.Env.LogLevel != "info" {
		t.Fatalf("LogLevel = %q, want info", cfg.Env.LogLevel)
	}
	if cfg.Collect.BackfillLimit != 1000 {
		t.Fatalf("BackfillLimit = %d, want default 1000", cfg.Collect.BackfillLimit)
	}
	if want := []string{"channel"}; !reflect.DeepEqual(cfg.Discovery.Crawl.AllowTypes, want) {
		t.Fatalf("AllowTypes = %#v, want %#v", cfg.Discovery.Crawl.AllowTypes, want)
	}

	warnings := strings.Join(cfg.Warnings(), "\n")
	for _, frag := range []string{
		"THROTTLE_RPS", "LOG_LEVEL", "collect.backfill_limit",
		"translation.provider", "username_block_patterns", "allow_types",
	} {
		if !strings.Contains(warnings, frag) {
			t.Fatalf("warnings %q не содержат %q", warnings, frag)
		}
	}
}

func TestLoadDotenvFile(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	env := "API_ID=777\nAPI_HASH=dotenv-hash\nLOG_LEVEL=debug\n"
	if err := os.WriteFile(envPath, []byte(env), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	cfg, err := config.Load(writeConfig(t, "sqlite_path: data/x.db\n"), envPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.APIID != 777 || cfg.APIHash != "dotenv-hash" {
		t.Fatalf("credentials = (%d, %q), want из .env", cfg.APIID, cfg.APIHash)
	}
	if cfg.Env.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q, want debug", cfg.Env.LogLevel)
	}
}
