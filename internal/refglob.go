package internal

import (
	"path"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
	"github.com/m-mizutani/goerr/v2"
)

// RefGlobs matches branch and tag names against gitignore-style patterns:
// "*" stays within a path segment and "**" spans segments. A pattern without
// a slash matches that segment at any depth, and a pattern with one also
// matches the names below it. A leading "!" excludes what an earlier pattern
// matched; the last matching pattern wins.
type RefGlobs struct {
	raw     []string
	matcher gitignore.Matcher
}

func ParseRefGlobs(patterns []string) (*RefGlobs, error) {
	g := &RefGlobs{raw: patterns}
	if len(patterns) == 0 {
		return g, nil
	}

	parsed := make([]gitignore.Pattern, 0, len(patterns))
	for _, p := range patterns {
		line := strings.TrimSpace(p)
		if line == "" || line == "!" {
			return nil, goerr.Wrap(ErrInvalidArgument, "empty scope pattern")
		}
		// gitignore never matches a malformed class instead of failing.
		if _, err := path.Match(strings.TrimPrefix(line, "!"), ""); err != nil {
			return nil, goerr.Wrap(ErrInvalidArgument, "invalid scope pattern", goerr.V("pattern", p))
		}
		parsed = append(parsed, gitignore.ParsePattern(line, nil))
	}
	g.matcher = gitignore.NewMatcher(parsed)
	return g, nil
}

// Empty reports whether there are no patterns, which callers treat as
// "everything is in scope".
func (g *RefGlobs) Empty() bool {
	return g == nil || len(g.raw) == 0
}

func (g *RefGlobs) Match(name string) bool {
	if g.Empty() || name == "" {
		return false
	}
	return g.matcher.Match(strings.Split(name, "/"), false)
}

func (g *RefGlobs) String() string {
	if g == nil {
		return ""
	}
	return strings.Join(g.raw, ",")
}
