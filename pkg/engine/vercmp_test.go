package engine

import "testing"

func TestVerCmp(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want int
	}{
		{name: "equal", a: "1.0-1", b: "1.0-1", want: 0},
		{name: "minor bump", a: "1.0-1", b: "1.1-1", want: -1},
		{name: "release bump", a: "1.0-2", b: "1.0-1", want: 1},
		{name: "epoch wins", a: "1:1.0-1", b: "2.0-1", want: 1},
		{name: "explicit zero epoch", a: "0:1.0", b: "1.0", want: 0},
		{name: "alpha suffix is older", a: "1.0alpha", b: "1.0", want: -1},
		{name: "extra numeric segment is newer", a: "1.0", b: "1.0.1", want: -1},
		{name: "leading zeros ignored", a: "1.01", b: "1.1", want: 0},
		{name: "numeric beats alpha", a: "1.1", b: "1.a", want: 1},
		{name: "longer number is bigger", a: "1.10", b: "1.9", want: 1},
		{name: "missing release compares equal", a: "1.0", b: "1.0-5", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerCmp(tt.a, tt.b); got != tt.want {
				t.Errorf("VerCmp(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
			if got := VerCmp(tt.b, tt.a); got != -tt.want {
				t.Errorf("VerCmp(%q, %q) = %d, want %d", tt.b, tt.a, got, -tt.want)
			}
		})
	}
}
