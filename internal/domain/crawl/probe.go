package crawl

import (
	"fmt"

	"telegram-osint/internal/infra/config"
)

// Probe — накопитель выборки сообщений канала для ворот качества.
// AvgLen считается инкрементально, без хранения выборки.
type Probe struct {
	Total          int
	Hits           int
	Negatives      int
	TargetLangHits int
	AvgLen         float64
}

// Observe учитывает одно сообщение выборки.
func (p *Probe) Observe(hit, negative, targetLang bool, textLen int) {
	p.Total++
	if hit {
		p.Hits++
	}
	if negative {
		p.Negatives++
	}
	if targetLang {
		p.TargetLangHits++
	}
	p.AvgLen += (float64(textLen) - p.AvgLen) / float64(p.Total)
}

// HitRate возвращает долю сообщений с совпадениями. Пустая выборка — 0.
func (p *Probe) HitRate() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Hits) / float64(p.Total)
}

// Gate применяет пороги качества к выборке и возвращает вердикт с
// машиночитаемой причиной. Порядок проверок фиксирован: объём выборки,
// доля совпадений, доля негативов, средняя длина текста.
func (p *Probe) Gate(cfg config.CrawlConfig) (bool, string) {
	if p.Total < cfg.QMinSamples {
		return false, fmt.Sprintf("not_enough_samples(%d<%d)", p.Total, cfg.QMinSamples)
	}

	hitRate := p.HitRate()
	if hitRate < cfg.QMinHitRate {
		return false, fmt.Sprintf("low_hit_rate(%.2f<%.2f)", hitRate, cfg.QMinHitRate)
	}

	negativeRate := float64(p.Negatives) / float64(p.Total)
	if negativeRate > cfg.QMaxNegativeRate {
		return false, fmt.Sprintf("high_negative_rate(%.2f>%.2f)", negativeRate, cfg.QMaxNegativeRate)
	}

	if p.AvgLen < cfg.QMinAvgLen {
		return false, fmt.Sprintf("text_too_short(%.1f<%d)", p.AvgLen, int(cfg.QMinAvgLen))
	}

	return true, "ok"
}
