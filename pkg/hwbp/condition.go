package hwbp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/go-delve/hwwatch/pkg/logflags"
	"github.com/go-delve/hwwatch/pkg/symbols"
)

// Condition decides whether a write to a watched location is reported.
// Evaluate receives the previous and the current contents of the location,
// both exactly Size bytes long.
type Condition interface {
	Size() int
	Evaluate(old, new []byte) bool
}

// kinded is implemented by conditions that interpret the watched bytes as a
// particular kind of value.
type kinded interface {
	Kind() symbols.ValueKind
}

// Number is the set of types a typed condition can decode.
type Number interface {
	int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 | float32 | float64
}

type typedCondition[T Number] struct {
	pred func(old, new T) bool
}

// Typed returns a condition that decodes the watched bytes as a little
// endian T and calls pred with the previous and current values.
func Typed[T Number](pred func(old, new T) bool) Condition {
	return typedCondition[T]{pred: pred}
}

func (c typedCondition[T]) Size() int {
	var v T
	return binary.Size(v)
}

func (c typedCondition[T]) Evaluate(old, new []byte) bool {
	return c.pred(decode[T](old), decode[T](new))
}

func (c typedCondition[T]) Kind() symbols.ValueKind {
	var v T
	switch any(v).(type) {
	case float32, float64:
		return symbols.KindFloat
	case int8, int16, int32, int64:
		return symbols.KindSigned
	}
	return symbols.KindUnsigned
}

func decode[T Number](b []byte) T {
	var v T
	_ = binary.Read(bytes.NewReader(b), binary.LittleEndian, &v)
	return v
}

// BecomesNaN returns a condition that holds when a floating point value
// that was not NaN becomes NaN.
func BecomesNaN[T float32 | float64]() Condition {
	return Typed(func(old, new T) bool {
		return !math.IsNaN(float64(old)) && math.IsNaN(float64(new))
	})
}

type exprCondition struct {
	src  string
	size int
	kind symbols.ValueKind
	fn   *starlark.Function
}

const exprFilename = "<condition>"

var conditionPredeclared = starlark.StringDict{
	"isnan": starlark.NewBuiltin("isnan", isnanBuiltin),
}

// Expr returns a condition written as a Starlark expression over the
// variables old and new, which hold the previous and current value of the
// watched location decoded according to kind. For example:
//
//	old == 0 and new == 5
func Expr(src string, size int, kind symbols.ValueKind) (Condition, error) {
	switch size {
	case 1, 2, 4, 8:
	default:
		return nil, fmt.Errorf("unsupported size %d for condition %q", size, src)
	}
	if kind == symbols.KindFloat && size != 4 && size != 8 {
		return nil, fmt.Errorf("%w: %d byte float", ErrTypeMismatch, size)
	}
	if _, err := syntax.ParseExpr(exprFilename, src, 0); err != nil {
		return nil, err
	}
	fn, err := compileCondition(src)
	if err != nil {
		return nil, err
	}
	return &exprCondition{src: src, size: size, kind: kind, fn: fn}, nil
}

// compileCondition compiles src, already known to be a single expression,
// into a function of old and new.
func compileCondition(src string) (*starlark.Function, error) {
	body := "def condition(old, new):\n    return (" + src + ")\n"
	_, prog, err := starlark.SourceProgram(exprFilename, body, conditionPredeclared.Has)
	if err != nil {
		return nil, err
	}
	globals, err := prog.Init(&starlark.Thread{Name: "condition"}, conditionPredeclared)
	if err != nil {
		return nil, err
	}
	globals.Freeze()
	fn, ok := globals["condition"].(*starlark.Function)
	if !ok {
		return nil, fmt.Errorf("could not compile condition %q", src)
	}
	return fn, nil
}

func (c *exprCondition) Size() int { return c.size }

func (c *exprCondition) Kind() symbols.ValueKind { return c.kind }

func (c *exprCondition) String() string { return c.src }

func (c *exprCondition) Evaluate(old, new []byte) bool {
	thread := &starlark.Thread{Name: "condition"}
	v, err := starlark.Call(thread, c.fn, starlark.Tuple{c.value(old), c.value(new)}, nil)
	if err != nil {
		logflags.HwbpLogger().Errorf("evaluating condition %q: %v", c.src, err)
		return false
	}
	return bool(v.Truth())
}

func (c *exprCondition) value(b []byte) starlark.Value {
	var raw uint64
	switch c.size {
	case 1:
		raw = uint64(b[0])
	case 2:
		raw = uint64(binary.LittleEndian.Uint16(b))
	case 4:
		raw = uint64(binary.LittleEndian.Uint32(b))
	case 8:
		raw = binary.LittleEndian.Uint64(b)
	}
	switch c.kind {
	case symbols.KindFloat:
		if c.size == 4 {
			return starlark.Float(math.Float32frombits(uint32(raw)))
		}
		return starlark.Float(math.Float64frombits(raw))
	case symbols.KindSigned:
		shift := uint(64 - 8*c.size)
		return starlark.MakeInt64(int64(raw<<shift) >> shift)
	}
	return starlark.MakeUint64(raw)
}

func isnanBuiltin(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x starlark.Value
	if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &x); err != nil {
		return nil, err
	}
	f, ok := x.(starlark.Float)
	if !ok {
		return starlark.False, nil
	}
	return starlark.Bool(math.IsNaN(float64(f))), nil
}
