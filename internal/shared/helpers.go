// Package shared — общие утилиты без внешних зависимостей.
// Слайсы, случайные интервалы и усечение строк для вывода. Все функции
// безопасны: не паникуют и не мутируют входные данные.
package shared

import "math/rand/v2"

// Unique возвращает срез уникальных значений с сохранением порядка первого
// появления. Используется при дедупликации ссылок и поисковых запросов.
// Сложность O(n), под капотом карта «виденных» значений.
func Unique[T comparable](in []T) []T {
	seen := make(map[T]struct{}, len(in))
	out := make([]T, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// Random возвращает псевдослучайное целое в диапазоне [fromMin, toMax]
// включительно. Если fromMin >= toMax, возвращается fromMin. Применяется для
// джиттера сетевых пауз; криптостойкость не нужна, поэтому math/rand/v2 и
// пометка #nosec осознанны.
func Random(fromMin, toMax int) int {
	if fromMin >= toMax {
		return fromMin
	}
	return rand.IntN(toMax-fromMin+1) + fromMin // #nosec G404
}

// TruncateRunes обрезает строку до max рун, добавляя многоточие при усечении.
// Безопасно для многобайтовых символов: режем по рунам, а не по байтам,
// иначе дампы сообщений на японском или арабском ломали бы UTF-8.
func TruncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}
