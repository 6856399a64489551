package symbols

import (
	"debug/dwarf"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-delve/hwwatch/pkg/proc"
)

// ErrNotFound is returned when a path does not name anything.
var ErrNotFound = errors.New("not found")

type selector struct {
	field string
	index int64
}

func (s selector) isIndex() bool { return s.field == "" }

// ResolveAddress returns the location named by path, relative to the
// variable root. If root is empty path must start with the name of a
// global variable or function. The syntax is:
//
//	name[.field|[index]]...[+offset][:size]
//	0xaddr[+offset][:size]
//
// Pointers are followed automatically when a field or element of the
// value they point to is selected.
func (t *Table) ResolveAddress(root, path string) (Location, error) {
	expr := path
	if root != "" {
		expr = root + "." + path
	}
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Location{}, errors.New("empty path")
	}

	expr, size, err := splitSize(expr)
	if err != nil {
		return Location{}, err
	}
	expr, off, err := splitOffset(expr)
	if err != nil {
		return Location{}, err
	}

	loc, err := t.resolveBase(expr)
	if err != nil {
		return Location{}, err
	}
	loc.Addr += off
	if size > 0 {
		loc.Size = size
	}
	return loc, nil
}

func splitSize(expr string) (string, int, error) {
	i := strings.LastIndexByte(expr, ':')
	if i < 0 || i == len(expr)-1 || strings.ContainsAny(expr[i+1:], ":()") {
		return expr, 0, nil
	}
	n, err := strconv.Atoi(expr[i+1:])
	if err != nil {
		// part of a name, as in ns::var
		return expr, 0, nil
	}
	switch n {
	case 1, 2, 4, 8:
	default:
		return "", 0, fmt.Errorf("invalid size %d, must be 1, 2, 4 or 8", n)
	}
	return expr[:i], n, nil
}

func splitOffset(expr string) (string, uint64, error) {
	i := strings.LastIndexByte(expr, '+')
	if i <= 0 {
		return expr, 0, nil
	}
	off, err := strconv.ParseUint(strings.TrimSpace(expr[i+1:]), 0, 64)
	if err != nil {
		return "", 0, fmt.Errorf("invalid offset in %q: %v", expr, err)
	}
	return strings.TrimSpace(expr[:i]), off, nil
}

func (t *Table) resolveBase(expr string) (Location, error) {
	if strings.HasPrefix(expr, "0x") || strings.HasPrefix(expr, "0X") {
		addr, err := strconv.ParseUint(expr[2:], 16, 64)
		if err != nil {
			return Location{}, fmt.Errorf("invalid address %q", expr)
		}
		return Location{Name: expr, Addr: addr, Size: proc.PtrSize}, nil
	}
	if fn, ok := t.byName[expr]; ok {
		return Location{Name: fn.Name, Addr: fn.Entry, Size: 1}, nil
	}
	if v, ok := t.vars[expr]; ok {
		return t.walk(v, nil)
	}

	names, sels, err := parseSelectors(expr)
	if err != nil {
		return Location{}, err
	}
	for k := len(names); k >= 1; k-- {
		v, ok := t.vars[strings.Join(names[:k], ".")]
		if !ok {
			continue
		}
		rest := make([]selector, 0, len(names)-k+len(sels))
		for _, name := range names[k:] {
			rest = append(rest, selector{field: name})
		}
		return t.walk(v, append(rest, sels...))
	}
	return Location{}, fmt.Errorf("%w: %s", ErrNotFound, expr)
}

// parseSelectors splits expr into the dotted names it starts with and the
// selectors that follow the first index expression.
func parseSelectors(expr string) ([]string, []selector, error) {
	var names []string
	var sels []selector
	inNames := true
	for len(expr) > 0 {
		switch expr[0] {
		case '.':
			expr = expr[1:]
			continue
		case '[':
			end := strings.IndexByte(expr, ']')
			if end < 0 {
				return nil, nil, fmt.Errorf("missing ] in %q", expr)
			}
			idx, err := strconv.ParseInt(strings.TrimSpace(expr[1:end]), 0, 64)
			if err != nil || idx < 0 {
				return nil, nil, fmt.Errorf("invalid index %q", expr[1:end])
			}
			sels = append(sels, selector{index: idx})
			expr = expr[end+1:]
			inNames = false
			continue
		}
		end := strings.IndexAny(expr, ".[")
		if end < 0 {
			end = len(expr)
		}
		if inNames {
			names = append(names, expr[:end])
		} else {
			sels = append(sels, selector{field: expr[:end]})
		}
		expr = expr[end:]
	}
	if len(names) == 0 {
		return nil, nil, errors.New("missing variable name")
	}
	return names, sels, nil
}

func (t *Table) walk(v Variable, sels []selector) (Location, error) {
	addr := v.Addr
	typ := v.Type
	name := v.Name
	for _, sel := range sels {
		if typ == nil {
			return Location{}, fmt.Errorf("no type information for %s", name)
		}
		typ = unwrap(typ)
		for {
			ptr, ok := typ.(*dwarf.PtrType)
			if !ok {
				break
			}
			var err error
			if addr, err = t.deref(addr); err != nil {
				return Location{}, fmt.Errorf("following %s: %v", name, err)
			}
			typ = unwrap(ptr.Type)
		}

		var err error
		switch tt := typ.(type) {
		case *dwarf.StructType:
			if sel.isIndex() {
				addr, typ, err = t.sliceElem(tt, addr, sel.index)
				name = fmt.Sprintf("%s[%d]", name, sel.index)
			} else {
				addr, typ, err = structField(tt, addr, sel.field)
				name = name + "." + sel.field
			}
		case *dwarf.ArrayType:
			if !sel.isIndex() {
				return Location{}, fmt.Errorf("%s has no field %s", name, sel.field)
			}
			if tt.Count >= 0 && sel.index >= tt.Count {
				return Location{}, fmt.Errorf("index %d out of range for %s (length %d)", sel.index, name, tt.Count)
			}
			addr += uint64(sel.index * tt.Type.Size())
			typ = tt.Type
			name = fmt.Sprintf("%s[%d]", name, sel.index)
		default:
			return Location{}, fmt.Errorf("cannot select into %s of type %s", name, typ)
		}
		if err != nil {
			return Location{}, err
		}
	}

	loc := Location{Name: name, Addr: addr, Size: int(v.Size)}
	if typ != nil {
		loc.Size = int(typ.Size())
		loc.Kind = kindOf(typ)
	}
	return loc, nil
}

func structField(st *dwarf.StructType, addr uint64, name string) (uint64, dwarf.Type, error) {
	for _, f := range st.Field {
		if f.Name == name {
			return addr + uint64(f.ByteOffset), f.Type, nil
		}
	}
	return 0, nil, fmt.Errorf("%w: %s has no field %s", ErrNotFound, st.StructName, name)
}

// sliceElem indexes a Go slice, which DWARF describes as a struct with
// array and len fields.
func (t *Table) sliceElem(st *dwarf.StructType, addr uint64, idx int64) (uint64, dwarf.Type, error) {
	if !strings.HasPrefix(st.StructName, "[]") {
		return 0, nil, fmt.Errorf("cannot index %s", st.StructName)
	}
	arrAddr, arrType, err := structField(st, addr, "array")
	if err != nil {
		return 0, nil, err
	}
	lenAddr, _, err := structField(st, addr, "len")
	if err != nil {
		return 0, nil, err
	}
	ptr, ok := unwrap(arrType).(*dwarf.PtrType)
	if !ok {
		return 0, nil, fmt.Errorf("malformed slice type %s", st.StructName)
	}
	n, err := t.deref(lenAddr)
	if err != nil {
		return 0, nil, err
	}
	if uint64(idx) >= n {
		return 0, nil, fmt.Errorf("index %d out of range (length %d)", idx, n)
	}
	base, err := t.deref(arrAddr)
	if err != nil {
		return 0, nil, err
	}
	return base + uint64(idx*ptr.Type.Size()), ptr.Type, nil
}

func (t *Table) deref(addr uint64) (uint64, error) {
	if t.mem == nil {
		return 0, errors.New("target memory not available")
	}
	v, err := proc.ReadUintRaw(t.mem, uintptr(addr), proc.PtrSize)
	if err != nil {
		return 0, err
	}
	if v == 0 {
		return 0, errors.New("nil pointer")
	}
	return v, nil
}

func unwrap(typ dwarf.Type) dwarf.Type {
	for {
		switch tt := typ.(type) {
		case *dwarf.TypedefType:
			typ = tt.Type
		case *dwarf.QualType:
			typ = tt.Type
		default:
			return typ
		}
	}
}

func kindOf(typ dwarf.Type) ValueKind {
	switch unwrap(typ).(type) {
	case *dwarf.FloatType:
		return KindFloat
	case *dwarf.IntType, *dwarf.CharType, *dwarf.EnumType:
		return KindSigned
	case *dwarf.UintType, *dwarf.UcharType, *dwarf.BoolType:
		return KindUnsigned
	case *dwarf.PtrType:
		return KindPointer
	}
	return KindUnknown
}
