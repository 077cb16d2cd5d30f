package cache

import "testing"

func TestPriorityBand(t *testing.T) {
	tests := []struct {
		priority int
		want     int
	}{
		{0, 0},
		{5, 0},
		{10, 10},
		{34, 30},
		{89, 80},
		{90, 90},
		{100, 100},
		{-3, 0},
	}
	for _, tt := range tests {
		if got := PriorityBand(tt.priority); got != tt.want {
			t.Errorf("PriorityBand(%d) = %d, want %d", tt.priority, got, tt.want)
		}
	}
}

func TestKeyBuilders(t *testing.T) {
	if got := keyProxy(42); got != "proxy:42" {
		t.Errorf("keyProxy = %q", got)
	}
	if got := keySource(7); got != "proxies:source:7" {
		t.Errorf("keySource = %q", got)
	}
	if got := keyBand(90); got != "proxies:priority:90" {
		t.Errorf("keyBand = %q", got)
	}
}
