package backoff

import (
	"testing"
	"time"
)

func TestDelayCapsAtMax(t *testing.T) {
	base := time.Second
	max := 10 * time.Second

	for _, redeliveries := range []int{10, 20, 100} {
		d := Delay(base, max, redeliveries)
		// 25% jitter headroom above max
		if d > max+max/4 {
			t.Errorf("redeliveries=%d: delay %v exceeds max+jitter %v", redeliveries, d, max+max/4)
		}
	}
}

func TestDelayGrowsWithRedeliveryCount(t *testing.T) {
	base := 100 * time.Millisecond
	max := time.Hour

	var last time.Duration
	for _, n := range []int{0, 1, 2, 3} {
		// jitter makes a single sample noisy; average a few draws
		var sum time.Duration
		const trials = 20
		for i := 0; i < trials; i++ {
			sum += Delay(base, max, n)
		}
		avg := sum / trials
		if n > 0 && avg <= last {
			t.Errorf("expected average delay to grow with redeliveryCount: n=%d avg=%v, prev=%v", n, avg, last)
		}
		last = avg
	}
}

func TestDelayNeverNegative(t *testing.T) {
	for i := 0; i < 50; i++ {
		d := Delay(time.Millisecond, time.Second, 0)
		if d < 0 {
			t.Fatalf("got negative delay %v", d)
		}
	}
}
