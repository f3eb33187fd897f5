// Package exclude implements the exclusion predicate of §4.B. Pattern
// syntax itself is explicitly out of scope (spec.md §1, §4.B); this package
// only fixes the capability surface the scanner depends on, plus one
// concrete glob-based implementation to exercise it end to end.
package exclude

import "path/filepath"

// Match is the verdict for a candidate name within the current directory.
type Match uint8

const (
	// None: the name is not excluded.
	None Match = iota
	// FileOnly: exclude only if the name is not a directory.
	FileOnly
	// Both: exclude unconditionally, directory or not.
	Both
)

// Stricter returns whichever of a, b excludes more: Both > FileOnly > None.
func Stricter(a, b Match) Match {
	if a > b {
		return a
	}
	return b
}

// Patterns is the opaque predicate the scanner consults at every directory
// entry (§4.B). enter(name) descends into the predicate that applies to a
// child directory's own contents — e.g. a root-anchored pattern like
// "/foo/bar" only ever matches at one specific depth, so anchored and
// unanchored pattern sets must be combined and carried down separately.
type Patterns interface {
	Match(name string) Match
	Enter(name string) Patterns
}

// NoExclusions is the no-op predicate: nothing is ever excluded.
var NoExclusions Patterns = noExclusions{}

type noExclusions struct{}

func (noExclusions) Match(string) Match   { return None }
func (noExclusions) Enter(string) Patterns { return NoExclusions }

// Glob is a minimal concrete Patterns implementation combining a
// root-anchored pattern list (matched only at the depth it was declared)
// and an unanchored list (matched at every depth), using shell-glob
// (path/filepath.Match) semantics — one plausible plugin, not a contract.
type Glob struct {
	Anchored   []string // matched only in this directory's direct children
	Unanchored []string // matched in this directory's children and re-applied to every descendant
	Both       bool     // true if any of these patterns exclude directories too, not just files
}

func NewGlob(anchored, unanchored []string, excludeDirs bool) *Glob {
	return &Glob{Anchored: anchored, Unanchored: unanchored, Both: excludeDirs}
}

func (g *Glob) Match(name string) Match {
	m := None
	for _, p := range g.Anchored {
		if ok, _ := filepath.Match(p, name); ok {
			m = Stricter(m, g.verdict())
		}
	}
	for _, p := range g.Unanchored {
		if ok, _ := filepath.Match(p, name); ok {
			m = Stricter(m, g.verdict())
		}
	}
	return m
}

func (g *Glob) verdict() Match {
	if g.Both {
		return Both
	}
	return FileOnly
}

// Enter returns the predicate for a child directory: the anchored list does
// not carry down (it applied at this exact level only), the unanchored list
// does.
func (g *Glob) Enter(string) Patterns {
	if len(g.Unanchored) == 0 {
		return NoExclusions
	}
	return &Glob{Unanchored: g.Unanchored, Both: g.Both}
}
