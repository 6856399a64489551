// Package symbols maps addresses of a target to function names and
// resolves variable paths to the locations they name.
package symbols

import (
	"debug/dwarf"
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru"

	"github.com/go-delve/hwwatch/pkg/dwarf/frame"
	"github.com/go-delve/hwwatch/pkg/proc"
)

// ValueKind is how the bytes of a location are interpreted.
type ValueKind uint8

const (
	KindUnknown ValueKind = iota
	KindSigned
	KindUnsigned
	KindFloat
	KindPointer
)

func (k ValueKind) String() string {
	switch k {
	case KindUnknown:
		return "unknown"
	case KindSigned:
		return "signed"
	case KindUnsigned:
		return "unsigned"
	case KindFloat:
		return "float"
	case KindPointer:
		return "pointer"
	}
	return fmt.Sprintf("ValueKind(%d)", uint8(k))
}

// Location is a resolved memory location.
type Location struct {
	Name string
	Addr uint64
	Size int
	Kind ValueKind
}

// Symbol is a function of the target.
type Symbol struct {
	Name  string
	Entry uint64
	Size  uint64

	// Module is the file the function was loaded from.
	Module string
	// File and Line are where the function starts, if the binary has a
	// line table.
	File string
	Line int
}

// End returns the address after the last byte of the function.
func (s Symbol) End() uint64 {
	return s.Entry + s.Size
}

// Variable is a global variable of the target. Type is nil if the binary
// has no debug information for it.
type Variable struct {
	Name string
	Addr uint64
	Size int64
	Type dwarf.Type
}

type lookupResult struct {
	sym Symbol
	ok  bool
}

type lineEntry struct {
	addr uint64
	file string
	line int
}

const lookupCacheSize = 1024

// Table holds the symbols of a target.
type Table struct {
	funcs  []Symbol // sorted by Entry
	byName map[string]Symbol
	vars   map[string]Variable
	mem    proc.MemoryReader

	lines    []lineEntry // sorted by addr
	mappings []Mapping
	fdes     frame.FrameDescriptionEntries

	cache *lru.Cache
}

// NewTable returns a table for the given functions and variables.
func NewTable(funcs []Symbol, vars []Variable) *Table {
	t := &Table{
		funcs:  append([]Symbol(nil), funcs...),
		byName: make(map[string]Symbol, len(funcs)),
		vars:   make(map[string]Variable, len(vars)),
	}
	sort.Slice(t.funcs, func(i, j int) bool { return t.funcs[i].Entry < t.funcs[j].Entry })
	for _, fn := range t.funcs {
		t.byName[fn.Name] = fn
	}
	for _, v := range vars {
		t.vars[v.Name] = v
	}
	t.cache, _ = lru.New(lookupCacheSize)
	return t
}

// SetMemory sets the memory used to follow pointers while resolving paths.
func (t *Table) SetMemory(mem proc.MemoryReader) {
	t.mem = mem
}

// SetMappings sets the memory mappings of the target, used to name the
// module of addresses.
func (t *Table) SetMappings(maps []Mapping) {
	t.mappings = append([]Mapping(nil), maps...)
	sort.Slice(t.mappings, func(i, j int) bool { return t.mappings[i].Start < t.mappings[j].Start })
}

// SetFrameEntries sets the call frame information used to unwind the
// stack. fdes must be sorted by address.
func (t *Table) SetFrameEntries(fdes frame.FrameDescriptionEntries) {
	t.fdes = fdes
}

func (t *Table) setLines(lines []lineEntry) {
	t.lines = lines
	for i := range t.funcs {
		fn := &t.funcs[i]
		fn.File, fn.Line, _ = t.PCToLine(fn.Entry)
		t.byName[fn.Name] = *fn
	}
	t.cache.Purge()
}

// PCToLine returns the source file and line of the instruction at pc.
func (t *Table) PCToLine(pc uint64) (string, int, bool) {
	i := sort.Search(len(t.lines), func(i int) bool { return t.lines[i].addr > pc }) - 1
	if i < 0 || t.lines[i].line == 0 {
		return "", 0, false
	}
	return t.lines[i].file, t.lines[i].line, true
}

// Module returns the file mapped at pc.
func (t *Table) Module(pc uint64) (string, bool) {
	if m, ok := findMapping(t.mappings, pc); ok && m.Path != "" {
		return m.Path, true
	}
	if fn, ok := t.Lookup(pc); ok && fn.Module != "" {
		return fn.Module, true
	}
	return "", false
}

// FDEForPC returns the call frame information covering pc.
func (t *Table) FDEForPC(pc uint64) (*frame.FrameDescriptionEntry, error) {
	return t.fdes.FDEForPC(pc)
}

// Lookup returns the function containing pc.
func (t *Table) Lookup(pc uint64) (Symbol, bool) {
	if v, ok := t.cache.Get(pc); ok {
		r := v.(lookupResult)
		return r.sym, r.ok
	}
	sym, ok := t.lookup(pc)
	t.cache.Add(pc, lookupResult{sym, ok})
	return sym, ok
}

func (t *Table) lookup(pc uint64) (Symbol, bool) {
	i := sort.Search(len(t.funcs), func(i int) bool { return t.funcs[i].Entry > pc }) - 1
	if i < 0 {
		return Symbol{}, false
	}
	fn := t.funcs[i]
	if fn.Size != 0 && pc >= fn.End() {
		return Symbol{}, false
	}
	return fn, true
}

// Function returns the function called name.
func (t *Table) Function(name string) (Symbol, bool) {
	fn, ok := t.byName[name]
	return fn, ok
}

// Symbolize returns the name of the function containing pc and its entry
// point, in the form expected by the x86asm formatters.
func (t *Table) Symbolize(pc uint64) (string, uint64) {
	fn, ok := t.Lookup(pc)
	if !ok {
		return "", 0
	}
	return fn.Name, fn.Entry
}

// Len returns the number of functions in the table.
func (t *Table) Len() int {
	return len(t.funcs)
}
