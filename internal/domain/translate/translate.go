// Package translate — перевод найденных сообщений на японский.
// Перевод строго best-effort: любая ошибка провайдера (сеть, квота,
// невалидный ответ) превращается в пустую строку и предупреждение в лог,
// конвейер из-за перевода не останавливается и сообщений не теряет.
package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"telegram-osint/internal/infra/config"
	"telegram-osint/internal/infra/logger"
)

// Translator переводит текст на японский. Реализации обязаны возвращать
// пустую строку вместо ошибки: вызывающий код кладёт результат в базу
// как есть.
type Translator interface {
	Translate(ctx context.Context, text, sourceLang string) string
}

// defaultDeepLURL — endpoint бесплатного тарифа DeepL.
const defaultDeepLURL = "https://api-free.deepl.com/v2/translate"

// New собирает переводчик по конфигу. При выключенном переводе или
// неподготовленном провайдере возвращает заглушку, которая всегда
// отвечает пустой строкой.
func New(cfg config.TranslationConfig) Translator {
	if !cfg.Enabled {
		return noop{}
	}

	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	client := &http.Client{Timeout: timeout}

	switch cfg.Provider {
	case "deepl":
		key := cfg.DeepLAPIKey
		if key == "" {
			key = os.Getenv("DEEPL_API_KEY")
		}
		if key == "" {
			logger.Warn("translate: deepl selected but no API key, translation disabled")
			return noop{}
		}
		endpoint := cfg.DeepLAPIURL
		if endpoint == "" {
			endpoint = os.Getenv("DEEPL_API_URL")
		}
		if endpoint == "" {
			endpoint = defaultDeepLURL
		}
		return &deepl{client: client, endpoint: endpoint, key: key}
	default:
		if cfg.APIURL == "" {
			logger.Warnf("translate: provider %q has no api_url, translation disabled", cfg.Provider)
			return noop{}
		}
		return &generic{client: client, endpoint: cfg.APIURL}
	}
}

// skip отсекает тексты, которые переводить не нужно: пустые и уже японские.
func skip(text, sourceLang string) bool {
	return strings.TrimSpace(text) == "" || strings.HasPrefix(sourceLang, "ja")
}

// noop — переводчик выключенного режима.
type noop struct{}

func (noop) Translate(context.Context, string, string) string { return "" }

// deepl — провайдер DeepL API (v2, форма + заголовок DeepL-Auth-Key).
type deepl struct {
	client   *http.Client
	endpoint string
	key      string
}

func (d *deepl) Translate(ctx context.Context, text, sourceLang string) string {
	if skip(text, sourceLang) {
		return ""
	}

	form := url.Values{}
	form.Set("text", text)
	form.Set("target_lang", "JA")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		logger.Debugf("translate: build deepl request: %v", err)
		return ""
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "DeepL-Auth-Key "+d.key)

	var parsed struct {
		Translations []struct {
			Text string `json:"text"`
		} `json:"translations"`
	}
	if err := doJSON(d.client, req, &parsed); err != nil {
		logger.Warnf("translate: deepl request failed: %v", err)
		return ""
	}
	if len(parsed.Translations) == 0 {
		return ""
	}
	return parsed.Translations[0].Text
}

// generic — провайдер с LibreTranslate-совместимым JSON API:
// POST {"q","source","target"} → {"translatedText"}.
type generic struct {
	client   *http.Client
	endpoint string
}

func (g *generic) Translate(ctx context.Context, text, sourceLang string) string {
	if skip(text, sourceLang) {
		return ""
	}

	body, err := json.Marshal(map[string]string{
		"q":      text,
		"source": "auto",
		"target": "ja",
	})
	if err != nil {
		logger.Debugf("translate: marshal request: %v", err)
		return ""
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		logger.Debugf("translate: build request: %v", err)
		return ""
	}
	req.Header.Set("Content-Type", "application/json")

	var parsed struct {
		TranslatedText string `json:"translatedText"`
	}
	if err := doJSON(g.client, req, &parsed); err != nil {
		logger.Warnf("translate: request failed: %v", err)
		return ""
	}
	return parsed.TranslatedText
}

// doJSON выполняет запрос и разбирает JSON-ответ, ограничивая тело
// мегабайтом: провайдер не должен уронить процесс гигантским ответом.
func doJSON(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out)
}
