package crawl_test

import (
	"strings"
	"testing"

	"telegram-osint/internal/domain/crawl"
	"telegram-osint/internal/infra/config"
)

func gateCfg() config.CrawlConfig {
	return config.CrawlConfig{
		QMinSamples:      10,
		QMinHitRate:      0.05,
		QMaxNegativeRate: 0.50,
		QMinAvgLen:       10,
	}
}

func fill(p *crawl.Probe, n int, hit, negative bool, textLen int) {
	for i := 0; i < n; i++ {
		p.Observe(hit, negative, true, textLen)
	}
}

func TestGate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		build      func() *crawl.Probe
		wantOK     bool
		wantReason string
	}{
		{
			name: "ok",
			build: func() *crawl.Probe {
				p := &crawl.Probe{}
				fill(p, 2, true, false, 40)
				fill(p, 10, false, false, 40)
				return p
			},
			wantOK:     true,
			wantReason: "ok",
		},
		{
			name: "notEnoughSamples",
			build: func() *crawl.Probe {
				p := &crawl.Probe{}
				fill(p, 3, true, false, 40)
				return p
			},
			wantReason: "not_enough_samples(3<10)",
		},
		{
			name: "lowHitRate",
			build: func() *crawl.Probe {
				p := &crawl.Probe{}
				fill(p, 100, false, false, 40)
				return p
			},
			wantReason: "low_hit_rate(0.00<0.05)",
		},
		{
			name: "highNegativeRate",
			build: func() *crawl.Probe {
				p := &crawl.Probe{}
				fill(p, 6, true, true, 40)
				fill(p, 4, true, false, 40)
				return p
			},
			wantReason: "high_negative_rate(0.60>0.50)",
		},
		{
			name: "textTooShort",
			build: func() *crawl.Probe {
				p := &crawl.Probe{}
				fill(p, 10, true, false, 4)
				return p
			},
			wantReason: "text_too_short(4.0<10)",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ok, reason := tt.build().Gate(gateCfg())
			if ok != tt.wantOK {
				t.Fatalf("Gate() ok = %v, want %v (reason %q)", ok, tt.wantOK, reason)
			}
			if reason != tt.wantReason {
				t.Fatalf("Gate() reason = %q, want %q", reason, tt.wantReason)
			}
		})
	}
}

func TestProbeAvgLenIncremental(t *testing.T) {
	t.Parallel()

	p := &crawl.Probe{}
	for _, text := range []string{"aaaa", strings.Repeat("b", 8), strings.Repeat("c", 12)} {
		p.Observe(false, false, false, len(text))
	}
	if p.AvgLen != 8 {
		t.Fatalf("AvgLen = %v, want 8", p.AvgLen)
	}
	if p.Total != 3 {
		t.Fatalf("Total = %d, want 3", p.Total)
	}
}
