package internal

import (
	"testing"
)

func TestRefGlobsEmpty(t *testing.T) {
	g, err := ParseRefGlobs(nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !g.Empty() {
		t.Error("expected no patterns")
	}
	if g.Match("main") {
		t.Error("empty globs should not match anything")
	}
}

func TestRefGlobsMatch(t *testing.T) {
	g, err := ParseRefGlobs([]string{"release/*", "hotfix/**", "main", "!release/old"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	tests := []struct {
		name string
		want bool
	}{
		{"main", true},
		{"release/1.0", true},
		{"release/old", false},
		{"release/1.0/rc1", true},
		{"hotfix/2024/db", true},
		{"feature/x", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := g.Match(tt.name); got != tt.want {
			t.Errorf("Match(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestRefGlobsTags(t *testing.T) {
	g, err := ParseRefGlobs([]string{"v*"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !g.Match("v1.2.0") {
		t.Error("expected v1.2.0 to match")
	}
	if g.Match("nightly") {
		t.Error("expected nightly not to match")
	}
}

func TestRefGlobsInvalid(t *testing.T) {
	for _, bad := range [][]string{{"[z-a"}, {""}, {"!"}} {
		if _, err := ParseRefGlobs(bad); err == nil {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}
