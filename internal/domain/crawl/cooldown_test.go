package crawl_test

import (
	"testing"
	"time"

	"telegram-osint/internal/domain/crawl"
)

func TestCooldown(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 22, 12, 0, 0, 0, time.UTC)
	cd := crawl.NewCooldown(func() time.Time { return now })

	if cd.Blocked(1) {
		t.Fatal("Blocked(1) = true before Block")
	}

	cd.Block(1, time.Hour)
	if !cd.Blocked(1) {
		t.Fatal("Blocked(1) = false right after Block")
	}
	if cd.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", cd.Len())
	}

	// До истечения срока канал в карантине.
	now = now.Add(59 * time.Minute)
	if !cd.Blocked(1) {
		t.Fatal("Blocked(1) = false before expiry")
	}

	// После истечения запись лениво убирается.
	now = now.Add(2 * time.Minute)
	if cd.Blocked(1) {
		t.Fatal("Blocked(1) = true after expiry")
	}
	if cd.Len() != 0 {
		t.Fatalf("Len() = %d after lazy cleanup, want 0", cd.Len())
	}
}

func TestCooldownZeroDuration(t *testing.T) {
	t.Parallel()

	cd := crawl.NewCooldown(nil)
	cd.Block(7, 0)
	if cd.Blocked(7) {
		t.Fatal("Blocked(7) = true with zero cooldown")
	}
}
