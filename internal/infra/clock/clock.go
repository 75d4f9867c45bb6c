// Package clock — источник времени коллектора.
package clock

import "time"

// Func — внедряемый источник времени. Компоненты с таймерной логикой
// (гейты повторного обхода, интервалы обслуживания, дедупликация) принимают
// Func в опциях и по умолчанию берут системные часы; тесты подменяют его.
type Func func() time.Time

// NowUTC возвращает текущее время в UTC. Все метки в хранилище и в
// статистике пишутся только в UTC, локальная таймзона не участвует.
func NowUTC() time.Time {
	return time.Now().UTC()
}
