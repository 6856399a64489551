package stack

import (
	"strings"

	"github.com/derekparker/trie"
)

// Action is what happens to a native frame that matches a rule.
type Action uint8

const (
	// Keep leaves the frame in place.
	Keep Action = iota
	// Replace substitutes the frame with the next interpreted frame.
	Replace
	// Drop removes the frame, it is part of the interpreter's machinery.
	Drop
)

// Trampolines classifies the native frames of the interpreter.
//
// Rules are function names, optionally ending in * to match every name
// with that prefix or enclosed in * to match every name containing the
// text in between.
type Trampolines struct {
	exact  *trie.Trie
	prefix *trie.Trie
	substr []rule
}

type rule struct {
	text   string
	action Action
}

// NewTrampolines returns a classifier that replaces the frames matching
// the replace rules and drops the frames matching the drop rules.
func NewTrampolines(replace, drop []string) *Trampolines {
	t := &Trampolines{exact: trie.New(), prefix: trie.New()}
	for _, r := range replace {
		t.add(r, Replace)
	}
	for _, r := range drop {
		t.add(r, Drop)
	}
	return t
}

func (t *Trampolines) add(r string, action Action) {
	switch {
	case len(r) > 2 && strings.HasPrefix(r, "*") && strings.HasSuffix(r, "*"):
		t.substr = append(t.substr, rule{r[1 : len(r)-1], action})
	case strings.HasSuffix(r, "*"):
		t.prefix.Add(strings.TrimSuffix(r, "*"), action)
	case r != "":
		t.exact.Add(r, action)
	}
}

// Classify returns the action for a frame of function name.
func (t *Trampolines) Classify(name string) Action {
	if t == nil || name == "" {
		return Keep
	}
	if n, ok := t.exact.Find(name); ok {
		return n.Meta().(Action)
	}
	for i := len(name); i > 0; i-- {
		if n, ok := t.prefix.Find(name[:i]); ok {
			return n.Meta().(Action)
		}
	}
	for _, r := range t.substr {
		if strings.Contains(name, r.text) {
			return r.action
		}
	}
	return Keep
}
