// Package lang — грубое определение языка сообщения по письменности.
// Конвейеру не нужна точная классификация: язык идёт в колонку lang и в
// ворота качества краулера, где важно лишь отличить целевые письменности
// от шума. Поэтому вместо статистических моделей — подсчёт рун по
// диапазонам Unicode.
package lang

import (
	"unicode"

	"golang.org/x/text/language"
)

// Коды целевых языков. Значения совпадают с language.Make(...).String(),
// просмотрщик фильтрует по ним как по строкам.
var (
	Japanese  = language.Japanese.String() // "ja"
	English   = language.English.String()  // "en"
	Chinese   = language.Chinese.String()  // "zh"
	Russian   = language.Russian.String()  // "ru"
	Arabic    = language.Arabic.String()   // "ar"
	Spanish   = language.Spanish.String()  // "es"
	Undefined = "und"
)

// targetLangs — языки, засчитываемые воротами качества краулера.
var targetLangs = map[string]struct{}{
	Japanese: {},
	English:  {},
	Chinese:  {},
	Russian:  {},
	Arabic:   {},
	Spanish:  {},
}

// IsTarget сообщает, относится ли код языка к целевым для сбора.
func IsTarget(code string) bool {
	_, ok := targetLangs[code]
	return ok
}

// Detect определяет язык текста по доминирующей письменности.
//
// Порядок проверок фиксирован: кана однозначно выдаёт японский даже при
// обилии иероглифов, поэтому проверяется до хань. Латиница отдаётся
// английскому: различить латиничные языки подсчётом рун нельзя, а для
// целей сбора этого и не требуется. Пустой или внеалфавитный текст — "und".
func Detect(text string) string {
	var kana, han, cyrillic, arabic, latin int
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Hiragana, r) || unicode.Is(unicode.Katakana, r):
			kana++
		case unicode.Is(unicode.Han, r):
			han++
		case unicode.Is(unicode.Cyrillic, r):
			cyrillic++
		case unicode.Is(unicode.Arabic, r):
			arabic++
		case unicode.Is(unicode.Latin, r):
			latin++
		}
	}

	switch {
	case kana > 0:
		return Japanese
	case arabic > 0 && arabic >= cyrillic && arabic >= latin && arabic >= han:
		return Arabic
	case cyrillic > 0 && cyrillic >= latin && cyrillic >= han:
		return Russian
	case han > 0 && han >= latin:
		return Chinese
	case latin > 0:
		return English
	default:
		return Undefined
	}
}
