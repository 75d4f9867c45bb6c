// Пакет config отвечает за сбор и предоставление конфигурации коллектора.
// Он:
//  1. читает операционные переменные окружения из .env (через godotenv),
//  2. загружает доменные настройки из YAML-файла (ключевые слова, сиды,
//     дискавери, обход, обслуживание, перевод),
//  3. нормализует и валидирует входные значения, накапливая предупреждения,
//  4. объединяет обе группы: переменные окружения перекрывают YAML.
//
// Бизнес-контекст: YAML описывает, что собирать (слова по языкам, каналы,
// пороги скоринга и обхода), а .env — как подключаться (MTProto-учётка,
// файлы сессии и кеша, ключ переводчика, логирование). Load возвращает
// обычное значение без глобального состояния: экземпляр передаётся
// зависимостям явно, повторная загрузка — это просто новый вызов.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/joho/godotenv"
)

// EnvConfig описывает параметры, приходящие из окружения (.env). Это
// «операционные» настройки запуска: учётные данные MTProto, файлы сессии и
// кеша пиров, лог-уровень и ограничение скорости запросов.
//
// NB: значения проходят нормализацию в loadEnv; в рантайме по месту
// использования предполагается, что EnvConfig последователен.
type EnvConfig struct {
	PhoneNumber    string
	SessionFile    string
	PeersCacheFile string
	LogLevel       string
	LogFile        string
	ThrottleRPS    int
	DedupWindowSec int
	TestDC         bool
}

// Keywords — пять языковых корзин ключевых слов. Деление существует только
// для удобства курирования списков; матчинг работает по объединению, см.
// Flatten. Порядок корзин фиксирован: ja, en, zh, ru, ar.
type Keywords struct {
	JA []string `yaml:"ja"`
	EN []string `yaml:"en"`
	ZH []string `yaml:"zh"`
	RU []string `yaml:"ru"`
	AR []string `yaml:"ar"`
}

// Flatten объединяет корзины в один список в порядке ja→en→zh→ru→ar,
// сохраняя порядок внутри корзин. Дедупликацию и чистку пустых строк
// делает скорер при построении.
func (k Keywords) Flatten() []string {
	out := make([]string, 0, len(k.JA)+len(k.EN)+len(k.ZH)+len(k.RU)+len(k.AR))
	out = append(out, k.JA...)
	out = append(out, k.EN...)
	out = append(out, k.ZH...)
	out = append(out, k.RU...)
	out = append(out, k.AR...)
	return out
}

// CollectConfig — параметры сбора истории.
type CollectConfig struct {
	BackfillLimit   int `yaml:"backfill_limit"`
	PollIntervalSec int `yaml:"poll_interval_sec"`
}

// TranslationConfig — настройки перевода найденных сообщений на японский.
// Пустые deepl_api_key/deepl_api_url добираются из окружения
// (DEEPL_API_KEY, DEEPL_API_URL); api_url обслуживает generic-провайдер.
type TranslationConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Provider    string `yaml:"provider"`
	TimeoutSec  int    `yaml:"timeout_sec"`
	DeepLAPIKey string `yaml:"deepl_api_key"`
	DeepLAPIURL string `yaml:"deepl_api_url"`
	APIURL      string `yaml:"api_url"`
}

// DiscoveryFilters — фильтры кандидатов при поиске каналов.
type DiscoveryFilters struct {
	MinMembers            int      `yaml:"min_members"`
	NameMustInclude       []string `yaml:"name_must_include"`
	UsernameBlockPatterns []string `yaml:"username_block_patterns"`
}

// CrawlConfig управляет рекурсивным обходом упоминаний и ссылок.
// Веса w_* участвуют в приоритете кандидата (меньше — раньше), пороги
// q_* образуют гейт качества обойдённых каналов.
type CrawlConfig struct {
	Enabled              bool     `yaml:"enabled"`
	MaxDepth             int      `yaml:"max_depth"`
	MaxChannels          int      `yaml:"max_channels"`
	FollowMentions       bool     `yaml:"follow_mentions"`
	FollowTMeLinks       bool     `yaml:"follow_tme_links"`
	BlocklistKeywords    []string `yaml:"blocklist_keywords"`
	AllowTypes           []string `yaml:"allow_types"`
	JoinSleepMs          int      `yaml:"join_sleep_ms"`
	FloodwaitPaddingS    int      `yaml:"floodwait_padding_s"`
	MaxWaitOnFloodS      int      `yaml:"max_wait_on_flood_s"`
	GlobalTimeLimitS     int      `yaml:"global_time_limit_s"`
	SampleMessages       int      `yaml:"sample_messages"`
	PerChannelTimeLimitS int      `yaml:"per_channel_time_limit_s"`
	LowQualityCooldownS  int      `yaml:"low_quality_cooldown_s"`
	QMinSamples          int      `yaml:"q_min_samples"`
	QMinHitRate          float64  `yaml:"q_min_hit_rate"`
	QMaxNegativeRate     float64  `yaml:"q_max_negative_rate"`
	QMinAvgLen           float64  `yaml:"q_min_avg_len"`
	WHitRate             float64  `yaml:"w_hit_rate"`
	WDepth               float64  `yaml:"w_depth"`
	WSeedBonus           float64  `yaml:"w_seed_bonus"`
	WRecentBonus         float64  `yaml:"w_recent_bonus"`
}

// DiscoveryConfig управляет поиском новых каналов: поисковые запросы,
// фильтры кандидатов и параметры обхода по ссылкам.
type DiscoveryConfig struct {
	Queries       []string         `yaml:"queries"`
	LimitPerQuery int              `yaml:"limit_per_query"`
	Filters       DiscoveryFilters `yaml:"filters"`
	Crawl         CrawlConfig      `yaml:"crawl"`
}

// MaintenanceConfig управляет фоновым циклом обслуживания в режиме --run.
// interval_sec = 0 полностью выключает цикл.
type MaintenanceConfig struct {
	IntervalSec     int  `yaml:"interval_sec"`
	RunDiscover     bool `yaml:"run_discover"`
	RunCrawl        bool `yaml:"run_crawl"`
	BackfillNewOnly bool `yaml:"backfill_new_only"`
}

// Config — объединённая конфигурация: YAML-поля плюс операционный блок Env.
// Поле warnings накапливает замечания загрузки (подстановки дефолтов,
// отброшенные значения); они не фатальны и доступны через Warnings().
type Config struct {
	APIID          int      `yaml:"api_id"`
	APIHash        string   `yaml:"api_hash"`
	Session        string   `yaml:"session"`
	SQLitePath     string   `yaml:"sqlite_path"`
	SeedChannels   []string `yaml:"seed_channels"`
	BlockChannels  []string `yaml:"block_channels"`
	ScoreThreshold int      `yaml:"score_threshold"`
	Keywords       Keywords `yaml:"keywords"`
	Negatives      []string `yaml:"negatives"`

	Collect     CollectConfig     `yaml:"collect"`
	Translation TranslationConfig `yaml:"translation"`
	Discovery   DiscoveryConfig   `yaml:"discovery"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`

	Env EnvConfig `yaml:"-"`

	blocked  map[string]struct{}
	warnings []string
}

// Значения по умолчанию для параметров окружения и YAML.
const (
	defaultSessionFile    = "data/collector.session"
	defaultPeersCacheFile = "data/peers_cache.bbolt"
	defaultLogLevel       = "info"
	defaultThrottleRPS    = 1
	defaultDedupWindow    = 120

	defaultSQLitePath     = "./osint_tele.db"
	defaultScoreThreshold = 1
	defaultBackfillLimit  = 1000
	defaultPollInterval   = 5

	defaultTranslateProvider = "googletrans"
	defaultTranslateTimeout  = 8
	defaultDeepLAPIURL       = "https://api-free.deepl.com/v2/translate"

	defaultDiscoveryLimitPerQuery = 25

	defaultCrawlMaxDepth         = 1
	defaultCrawlMaxChannels      = 100
	defaultCrawlJoinSleepMs      = 600
	defaultCrawlFloodPaddingS    = 2
	defaultCrawlMaxWaitOnFloodS  = 120
	defaultCrawlGlobalLimitS     = 600
	defaultCrawlSampleMessages   = 50
	defaultCrawlPerChannelLimitS = 20
	defaultCrawlCooldownS        = 86400
	defaultCrawlQMinSamples      = 10
	defaultCrawlQMinHitRate      = 0.05
	defaultCrawlQMaxNegativeRate = 0.50
	defaultCrawlQMinAvgLen       = 10
	defaultCrawlWHitRate         = -1.0
	defaultCrawlWDepth           = 0.3
	defaultCrawlWSeedBonus       = -0.5
	defaultCrawlWRecentBonus     = -0.2
)

// allowedChannelTypes — канонические типы чатов, которые принимает обход.
var allowedChannelTypes = map[string]struct{}{
	"channel":    {},
	"supergroup": {},
}

// defaults возвращает Config с предзаполненными умолчаниями. YAML-декодер
// перекрывает только присутствующие в файле ключи, поэтому умолчания для
// bool-значений true (follow_mentions, run_discover и т. п.) выставляются
// именно здесь, до Decode.
func defaults() *Config {
	return &Config{
		SQLitePath:     defaultSQLitePath,
		ScoreThreshold: defaultScoreThreshold,
		Collect: CollectConfig{
			BackfillLimit:   defaultBackfillLimit,
			PollIntervalSec: defaultPollInterval,
		},
		Translation: TranslationConfig{
			Enabled:    false,
			Provider:   defaultTranslateProvider,
			TimeoutSec: defaultTranslateTimeout,
		},
		Discovery: DiscoveryConfig{
			LimitPerQuery: defaultDiscoveryLimitPerQuery,
			Crawl: CrawlConfig{
				Enabled:              false,
				MaxDepth:             defaultCrawlMaxDepth,
				MaxChannels:          defaultCrawlMaxChannels,
				FollowMentions:       true,
				FollowTMeLinks:       true,
				AllowTypes:           []string{"channel", "supergroup"},
				JoinSleepMs:          defaultCrawlJoinSleepMs,
				FloodwaitPaddingS:    defaultCrawlFloodPaddingS,
				MaxWaitOnFloodS:      defaultCrawlMaxWaitOnFloodS,
				GlobalTimeLimitS:     defaultCrawlGlobalLimitS,
				SampleMessages:       defaultCrawlSampleMessages,
				PerChannelTimeLimitS: defaultCrawlPerChannelLimitS,
				LowQualityCooldownS:  defaultCrawlCooldownS,
				QMinSamples:          defaultCrawlQMinSamples,
				QMinHitRate:          defaultCrawlQMinHitRate,
				QMaxNegativeRate:     defaultCrawlQMaxNegativeRate,
				QMinAvgLen:           defaultCrawlQMinAvgLen,
				WHitRate:             defaultCrawlWHitRate,
				WDepth:               defaultCrawlWDepth,
				WSeedBonus:           defaultCrawlWSeedBonus,
				WRecentBonus:         defaultCrawlWRecentBonus,
			},
		},
		Maintenance: MaintenanceConfig{
			IntervalSec:     0,
			RunDiscover:     true,
			RunCrawl:        true,
			BackfillNewOnly: true,
		},
	}
}

// Load читает YAML-файл configPath и .env-файл envPath, объединяет их и
// валидирует результат. Отсутствующий .env не фатален (учётные данные могут
// лежать в YAML), отсутствующий YAML — фатален. Неизвестные YAML-ключи
// считаются ошибкой: опечатка в имени опции не должна молча включать дефолт.
func Load(configPath, envPath string) (*Config, error) {
	cfg := defaults()

	if err := godotenv.Load(envPath); err != nil {
		cfg.appendWarningf(".env %s is not loaded: %v", envPath, err)
	}

	raw, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", configPath, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config %s: %w", configPath, err)
	}

	cfg.loadEnv()
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadEnv накладывает переменные окружения поверх YAML-значений.
// API_ID и API_HASH перекрывают одноимённые YAML-поля; DEEPL_API_KEY и
// DEEPL_API_URL подставляются, только если YAML-значение пусто.
func (c *Config) loadEnv() {
	if v := strings.TrimSpace(os.Getenv("API_ID")); v != "" {
		if id, err := strconv.Atoi(v); err == nil {
			c.APIID = id
		} else {
			c.appendWarningf("env API_ID value %q is not a valid integer; keeping %d", v, c.APIID)
		}
	}
	if v := strings.TrimSpace(os.Getenv("API_HASH")); v != "" {
		c.APIHash = v
	}
	if c.Translation.DeepLAPIKey == "" {
		c.Translation.DeepLAPIKey = strings.TrimSpace(os.Getenv("DEEPL_API_KEY"))
	}
	if c.Translation.DeepLAPIURL == "" {
		c.Translation.DeepLAPIURL = strings.TrimSpace(os.Getenv("DEEPL_API_URL"))
	}

	c.Env = EnvConfig{
		PhoneNumber:    strings.TrimSpace(os.Getenv("PHONE_NUMBER")),
		SessionFile:    envOrDefault("SESSION_FILE", defaultSessionFile),
		PeersCacheFile: envOrDefault("PEERS_CACHE_FILE", defaultPeersCacheFile),
		LogLevel:       sanitizeLogLevel(os.Getenv("LOG_LEVEL"), defaultLogLevel, &c.warnings),
		LogFile:        strings.TrimSpace(os.Getenv("LOG_FILE")),
		ThrottleRPS:    parseIntDefault("THROTTLE_RPS", defaultThrottleRPS, greaterThanZero, &c.warnings),
		DedupWindowSec: parseIntDefault("DEDUP_WINDOW_SEC", defaultDedupWindow, nonNegative, &c.warnings),
		TestDC:         strings.EqualFold(strings.TrimSpace(os.Getenv("TEST_DC")), "true"),
	}
}

// normalize приводит доменные списки к рабочему виду: убирает пустые строки,
// пробелы по краям, опускает регистры там, где сравнение регистронезависимо.
// Семантика матчинга остаётся за скорером, здесь только гигиена входа.
func (c *Config) normalize() {
	c.Keywords.JA = stripEmpty(c.Keywords.JA)
	c.Keywords.EN = stripEmpty(c.Keywords.EN)
	c.Keywords.ZH = stripEmpty(c.Keywords.ZH)
	c.Keywords.RU = stripEmpty(c.Keywords.RU)
	c.Keywords.AR = stripEmpty(c.Keywords.AR)
	c.Negatives = stripEmpty(c.Negatives)
	c.SeedChannels = stripEmpty(c.SeedChannels)
	c.Discovery.Queries = stripEmpty(c.Discovery.Queries)
	c.Discovery.Filters.NameMustInclude = stripEmpty(c.Discovery.Filters.NameMustInclude)
	c.Discovery.Crawl.BlocklistKeywords = stripEmpty(c.Discovery.Crawl.BlocklistKeywords)

	// Блок-лист нормализуется один раз при загрузке: без @, в нижнем
	// регистре. Дальше он неизменяем, IsBlocked читает карту без блокировок.
	c.blocked = make(map[string]struct{}, len(c.BlockChannels))
	normalized := make([]string, 0, len(c.BlockChannels))
	for _, raw := range c.BlockChannels {
		u := NormalizeUsername(raw)
		if u == "" {
			continue
		}
		normalized = append(normalized, u)
		c.blocked[u] = struct{}{}
	}
	c.BlockChannels = normalized

	// Битые регулярные выражения фильтров не фатальны: предупреждаем и
	// оставляем, дискавери пропустит их при компиляции ещё раз.
	for _, pat := range c.Discovery.Filters.UsernameBlockPatterns {
		if _, err := regexp.Compile(pat); err != nil {
			c.appendWarningf("discovery.filters.username_block_patterns %q does not compile: %v", pat, err)
		}
	}

	c.Session = strings.TrimSpace(c.Session)
	if c.Session == "" {
		c.Session = c.Env.SessionFile
	}

	c.Translation.Provider = strings.ToLower(strings.TrimSpace(c.Translation.Provider))
	switch c.Translation.Provider {
	case "":
		c.Translation.Provider = "deepl"
	case "deepl", "googletrans":
	default:
		c.appendWarningf("translation.provider %q is unknown; translation will be skipped", c.Translation.Provider)
	}
	if c.Translation.DeepLAPIURL == "" {
		c.Translation.DeepLAPIURL = defaultDeepLAPIURL
	}
	c.Translation.TimeoutSec = sanitizePositive("translation.timeout_sec",
		c.Translation.TimeoutSec, defaultTranslateTimeout, &c.warnings)

	// Типы чатов сравниваются после канонизации, допускаются только
	// channel и supergroup.
	types := make([]string, 0, len(c.Discovery.Crawl.AllowTypes))
	for _, t := range c.Discovery.Crawl.AllowTypes {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := allowedChannelTypes[t]; !ok {
			c.appendWarningf("discovery.crawl.allow_types entry %q is unknown; ignored", t)
			continue
		}
		types = append(types, t)
	}
	c.Discovery.Crawl.AllowTypes = types

	// Нулевые и отрицательные лимиты означали бы пустые проходы конвейера,
	// для них подставляются умолчания с предупреждением.
	c.Collect.BackfillLimit = sanitizePositive("collect.backfill_limit",
		c.Collect.BackfillLimit, defaultBackfillLimit, &c.warnings)
	c.Collect.PollIntervalSec = sanitizePositive("collect.poll_interval_sec",
		c.Collect.PollIntervalSec, defaultPollInterval, &c.warnings)
	c.Discovery.LimitPerQuery = sanitizePositive("discovery.limit_per_query",
		c.Discovery.LimitPerQuery, defaultDiscoveryLimitPerQuery, &c.warnings)
	c.Discovery.Crawl.MaxChannels = sanitizePositive("discovery.crawl.max_channels",
		c.Discovery.Crawl.MaxChannels, defaultCrawlMaxChannels, &c.warnings)
	c.Discovery.Crawl.SampleMessages = sanitizePositive("discovery.crawl.sample_messages",
		c.Discovery.Crawl.SampleMessages, defaultCrawlSampleMessages, &c.warnings)
	if c.Discovery.Crawl.MaxDepth < 0 {
		c.appendWarningf("discovery.crawl.max_depth %d is negative; using 0", c.Discovery.Crawl.MaxDepth)
		c.Discovery.Crawl.MaxDepth = 0
	}
	if c.Discovery.Crawl.LowQualityCooldownS < 0 {
		c.appendWarningf("discovery.crawl.low_quality_cooldown_s %d is negative; using 0",
			c.Discovery.Crawl.LowQualityCooldownS)
		c.Discovery.Crawl.LowQualityCooldownS = 0
	}
	if c.Discovery.Crawl.MaxWaitOnFloodS < 0 {
		c.appendWarningf("discovery.crawl.max_wait_on_flood_s %d is negative; using 0",
			c.Discovery.Crawl.MaxWaitOnFloodS)
		c.Discovery.Crawl.MaxWaitOnFloodS = 0
	}
	if c.ScoreThreshold < 0 {
		c.appendWarningf("score_threshold %d is negative; using %d", c.ScoreThreshold, defaultScoreThreshold)
		c.ScoreThreshold = defaultScoreThreshold
	}
}

// validate проверяет условия, без которых коллектор не может стартовать:
// MTProto-учётка и путь к базе. Пустые ключевые слова валидны — такой
// конфиг ничего не сохранит, но процесс обязан подняться.
func (c *Config) validate() error {
	if c.APIID <= 0 {
		return errors.New("config: api_id must be set (yaml api_id or env API_ID)")
	}
	if strings.TrimSpace(c.APIHash) == "" {
		return errors.New("config: api_hash must be set (yaml api_hash or env API_HASH)")
	}
	if strings.TrimSpace(c.SQLitePath) == "" {
		return errors.New("config: sqlite_path must not be empty")
	}
	return nil
}

// NormalizeUsername приводит ссылку или username к ключевой форме блок-листа:
// без префикса @, без пробелов, в нижнем регистре.
func NormalizeUsername(raw string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "@")))
}

// IsBlocked сообщает, входит ли username в блок-лист. Сравнение идёт по
// нормализованной форме; пустой username не блокируется.
func (c *Config) IsBlocked(username string) bool {
	u := NormalizeUsername(username)
	if u == "" {
		return false
	}
	_, ok := c.blocked[u]
	return ok
}

// Warnings возвращает накопленные при загрузке предупреждения (подстановки
// значений по умолчанию и отброшенные значения). Возвращается копия.
func (c *Config) Warnings() []string {
	out := make([]string, len(c.warnings))
	copy(out, c.warnings)
	return out
}

func (c *Config) appendWarningf(format string, args ...any) {
	appendWarningf(&c.warnings, format, args...)
}

// parseIntDefault читает name как int из окружения. Если пусто, некорректно
// или не проходит validator — возвращает defaultVal и пишет предупреждение.
// Несущественные настройки не должны ронять запуск.
func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// appendWarningf — служебная функция накопления предупреждений загрузки.
func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

// greaterThanZero / nonNegative — простые валидаторы чисел для parseIntDefault.
func greaterThanZero(v int) bool { return v > 0 }
func nonNegative(v int) bool     { return v >= 0 }

// sanitizeLogLevel нормализует уровень и ограничивает значения набором
// {debug, info, warn, error}. Всё остальное превращается в defaultVal.
func sanitizeLogLevel(level string, defaultVal string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		return defaultVal
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env LOG_LEVEL value %q is invalid; using default %q", level, defaultVal)
		return defaultVal
	}
}

// envOrDefault возвращает обрезанное значение переменной окружения name
// или fallback, если она пуста. Отсутствие необязательной переменной —
// штатная ситуация, предупреждение не пишется.
func envOrDefault(name, fallback string) string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return fallback
	}
	return v
}

// sanitizePositive заменяет неположительное значение лимита на fallback.
func sanitizePositive(name string, v, fallback int, warnings *[]string) int {
	if v > 0 {
		return v
	}
	appendWarningf(warnings, "%s value %d must be positive; using default %d", name, v, fallback)
	return fallback
}

// stripEmpty убирает пустые (после TrimSpace) строки, сохраняя порядок.
// Пустое ключевое слово матчит любой текст, пустой негатив глушит все
// сообщения, поэтому такие элементы отбрасываются на входе.
func stripEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
