package tokenutil

import "testing"

func TestEstimate(t *testing.T) {
	cases := []struct {
		content string
		want    int
	}{
		{"", 0},
		{"a", 1},
		{"abc", 1},
		{"abcd", 2},
		{"0123456789012345678901234567890123456", 11}, // 38 chars / 3.5 = 10.86 -> 11
	}
	for _, c := range cases {
		if got := Estimate(c.content); got != c.want {
			t.Errorf("Estimate(%q) = %d, want %d", c.content, got, c.want)
		}
	}
}

func TestEstimateMonotonic(t *testing.T) {
	prev := 0
	for n := 1; n <= 200; n++ {
		got := Estimate(string(make([]byte, n)))
		if got < prev {
			t.Fatalf("Estimate not monotonic at len=%d: %d < %d", n, got, prev)
		}
		prev = got
	}
}
