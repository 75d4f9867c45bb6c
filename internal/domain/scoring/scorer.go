// Package scoring — скоринг сообщений по многоязычным ключевым словам.
// Скорер работает в два этапа: быстрый префильтр одним регулярным выражением
// отсекает заведомо пустые тексты, затем пословный проход собирает конкретные
// совпадения. Негативные слова глушат сообщение целиком до любого подсчёта.
package scoring

import (
	"bytes"
	"encoding/json"
	"regexp"
	"sort"
	"strings"
)

// hashtagRe вырезает хэштеги перед матчингом: "#осинт" в тексте не должен
// давать совпадение по слову «осинт», иначе каналы-агрегаторы тегов
// задирают счёт без содержательного текста.
var hashtagRe = regexp.MustCompile(`#\S+`)

// Result — итог скоринга одного сообщения. Score равен числу уникальных
// сработавших слов, Hits перечисляет их исходные формы в отсортированном
// порядке. Нулевой Score означает «не интересно».
type Result struct {
	Score int
	Hits  []string
}

// keyword хранит слово в исходной форме (для отчёта) и в нижнем регистре
// (для матчинга по нормализованному телу).
type keyword struct {
	surface string
	lower   string
}

// Scorer — неизменяемый после создания матчер ключевых слов.
// Безопасен для конкурентного использования: после New ничего не мутирует.
type Scorer struct {
	keywords  []keyword
	negatives []string
	prefilter *regexp.Regexp
}

// New собирает скорер из списков ключевых и негативных слов. Пустые строки
// отбрасываются: пустой негатив совпадал бы с любым текстом и глушил бы
// весь поток. Дубликаты (с учётом регистра) схлопываются с сохранением
// первой исходной формы и порядка вставки. Префильтр строится как
// альтернация экранированных слов, длинные варианты первыми.
func New(keywords, negatives []string) *Scorer {
	s := &Scorer{}

	seenKw := make(map[string]struct{}, len(keywords))
	for _, w := range keywords {
		if strings.TrimSpace(w) == "" {
			continue
		}
		lower := strings.ToLower(w)
		if _, ok := seenKw[lower]; ok {
			continue
		}
		seenKw[lower] = struct{}{}
		s.keywords = append(s.keywords, keyword{surface: w, lower: lower})
	}
	for _, w := range negatives {
		if strings.TrimSpace(w) == "" {
			continue
		}
		s.negatives = append(s.negatives, strings.ToLower(w))
	}

	if len(s.keywords) > 0 {
		parts := make([]string, len(s.keywords))
		for i, kw := range s.keywords {
			parts[i] = kw.lower
		}
		sort.Slice(parts, func(i, j int) bool { return len(parts[i]) > len(parts[j]) })
		for i, p := range parts {
			parts[i] = regexp.QuoteMeta(p)
		}
		s.prefilter = regexp.MustCompile(strings.Join(parts, "|"))
	}

	return s
}

// Normalize приводит сырой текст к виду для матчинга: хэштеги заменяются
// пробелом, регистр опускается. Подстрочный матчинг дальше идёт по этому
// телу, но Hits сохраняют исходные формы слов.
func Normalize(raw string) string {
	return strings.ToLower(hashtagRe.ReplaceAllString(raw, " "))
}

// Score оценивает текст сообщения. Порядок проверок фиксирован: пустое
// тело, негативные слова, префильтр, полный пословный проход. Совпадения
// дедуплицируются по исходной форме слова и сортируются.
func (s *Scorer) Score(raw string) Result {
	body := Normalize(raw)
	if strings.TrimSpace(body) == "" {
		return Result{}
	}

	for _, neg := range s.negatives {
		if strings.Contains(body, neg) {
			return Result{}
		}
	}

	if s.prefilter != nil && !s.prefilter.MatchString(body) {
		return Result{}
	}

	seen := make(map[string]struct{}, 4)
	for _, kw := range s.keywords {
		if strings.Contains(body, kw.lower) {
			seen[kw.surface] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return Result{}
	}

	hits := make([]string, 0, len(seen))
	for w := range seen {
		hits = append(hits, w)
	}
	sort.Strings(hits)

	return Result{Score: len(hits), Hits: hits}
}

// HasNegative сообщает, содержит ли текст негативное слово. Квалификация
// каналов при обходе считает долю негативных сообщений отдельно от счёта.
func (s *Scorer) HasNegative(raw string) bool {
	body := Normalize(raw)
	for _, neg := range s.negatives {
		if strings.Contains(body, neg) {
			return true
		}
	}
	return false
}

// Keywords возвращает исходные формы ключевых слов скорера. Нужен дискавери
// (поисковые запросы по умолчанию) и консоли.
func (s *Scorer) Keywords() []string {
	out := make([]string, len(s.keywords))
	for i, kw := range s.keywords {
		out[i] = kw.surface
	}
	return out
}

// MatchedJSON сериализует совпавшие слова в JSON-массив для колонки
// matched_keywords. Не-ASCII символы сохраняются как есть (без \uXXXX):
// колонку читает человек через просмотрщик, а не парсер с ограничениями.
func MatchedJSON(hits []string) string {
	if len(hits) == 0 {
		return "[]"
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(hits); err != nil {
		return "[]"
	}
	return strings.TrimSuffix(buf.String(), "\n")
}
