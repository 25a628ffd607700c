package cmn_test

import (
	"testing"

	"github.com/mute/escoord/cmn"
)

func TestMatchesAny(t *testing.T) {
	cases := []struct {
		id       string
		patterns []string
		want     bool
	}{
		{"bench-1", nil, true},
		{"bench-1", []string{}, true},
		{"bench-1", []string{"*"}, true},
		{"bench-east-1", []string{"bench-east-*"}, true},
		{"bench-west-1", []string{"bench-east-*"}, false},
		{"bench-1", []string{"bench-?"}, true},
		{"bench-12", []string{"bench-?"}, false},
		{"bench-1", []string{"no-match-*", "bench-*"}, true},
	}
	for _, c := range cases {
		if got := cmn.MatchesAny(c.id, c.patterns); got != c.want {
			t.Errorf("MatchesAny(%q, %v) = %v, want %v", c.id, c.patterns, got, c.want)
		}
	}
}
