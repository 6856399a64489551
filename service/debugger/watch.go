package debugger

import (
	"errors"
	"strings"
)

// Watch is a location to watch for writes.
type Watch struct {
	// Path names the location, see symbols.Table.ResolveAddress.
	Path string
	// Cond is an optional Starlark condition over old and new, see
	// hwbp.Expr.
	Cond string
}

func (w Watch) String() string {
	if w.Cond == "" {
		return w.Path
	}
	return w.Path + " if " + w.Cond
}

// ParseWatch parses a watch expression of the form:
//
//	path[:size][ if condition]
func ParseWatch(s string) (Watch, error) {
	var w Watch
	w.Path = strings.TrimSpace(s)
	padded := " " + w.Path + " "
	if i := strings.Index(padded, " if "); i >= 0 {
		w.Path = strings.TrimSpace(padded[:i])
		w.Cond = strings.TrimSpace(padded[i+len(" if "):])
		if w.Cond == "" {
			return Watch{}, errors.New("empty condition")
		}
	}
	if w.Path == "" {
		return Watch{}, errors.New("empty watch expression")
	}
	return w, nil
}
