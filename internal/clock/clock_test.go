// SPDX-License-Identifier: MPL-2.0

package clock

import (
	"testing"
	"time"
)

func TestFake_AdvanceAndSince(t *testing.T) {
	t.Parallel()

	c := NewFake(time.Time{})
	start := c.Now()
	if start.Year() != 2024 {
		t.Fatalf("default reference year = %d, want 2024", start.Year())
	}

	c.Advance(1500 * time.Millisecond)
	if got := c.Since(start); got != 1500*time.Millisecond {
		t.Errorf("Since() = %v, want 1.5s", got)
	}

	target := time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC)
	c.Set(target)
	if !c.Now().Equal(target) {
		t.Errorf("Now() = %v, want %v", c.Now(), target)
	}
}

func TestOrReal(t *testing.T) {
	t.Parallel()

	if _, ok := OrReal(nil).(Real); !ok {
		t.Error("OrReal(nil) should return Real")
	}
	fake := NewFake(time.Time{})
	if OrReal(fake) != Clock(fake) {
		t.Error("OrReal should return the provided clock")
	}
}
