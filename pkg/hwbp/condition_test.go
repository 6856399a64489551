package hwbp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/hwwatch/pkg/symbols"
)

func TestTypedSize(t *testing.T) {
	assert.Equal(t, 1, Typed(func(old, new int8) bool { return true }).Size())
	assert.Equal(t, 2, Typed(func(old, new uint16) bool { return true }).Size())
	assert.Equal(t, 4, Typed(func(old, new float32) bool { return true }).Size())
	assert.Equal(t, 8, Typed(func(old, new int64) bool { return true }).Size())
	assert.Equal(t, 4, BecomesNaN[float32]().Size())
}

func TestTypedDecoding(t *testing.T) {
	var gotOld, gotNew int16
	c := Typed(func(old, new int16) bool {
		gotOld, gotNew = old, new
		return new < 0
	})
	assert.True(t, c.Evaluate([]byte{0x10, 0x00}, []byte{0xfe, 0xff}))
	assert.Equal(t, int16(16), gotOld)
	assert.Equal(t, int16(-2), gotNew)
	assert.Equal(t, symbols.KindSigned, c.(kinded).Kind())
}

func TestFloat32NaN(t *testing.T) {
	c := BecomesNaN[float32]()
	nan := []byte{0x00, 0x00, 0xc0, 0x7f}
	one := []byte{0x00, 0x00, 0x80, 0x3f}
	assert.True(t, c.Evaluate(one, nan))
	assert.False(t, c.Evaluate(nan, nan))
	assert.Equal(t, symbols.KindFloat, c.(kinded).Kind())
}

func TestExpr(t *testing.T) {
	tests := []struct {
		src      string
		size     int
		kind     symbols.ValueKind
		old, new []byte
		want     bool
	}{
		{"new > old", 1, symbols.KindUnsigned, []byte{1}, []byte{200}, true},
		{"new > old", 1, symbols.KindSigned, []byte{1}, []byte{200}, false},
		{"new == -1", 4, symbols.KindSigned, []byte{0, 0, 0, 0}, []byte{0xff, 0xff, 0xff, 0xff}, true},
		{"new == 1.5", 4, symbols.KindFloat, []byte{0, 0, 0, 0}, []byte{0x00, 0x00, 0xc0, 0x3f}, true},
		{"isnan(new) and not isnan(old)", 4, symbols.KindFloat, []byte{0, 0, 0, 0}, []byte{0x00, 0x00, 0xc0, 0x7f}, true},
		{"new - old >= 10", 8, symbols.KindUnsigned, []byte{5, 0, 0, 0, 0, 0, 0, 0}, []byte{15, 0, 0, 0, 0, 0, 0, 0}, true},
		{"new", 2, symbols.KindUnsigned, []byte{0, 0}, []byte{0, 0}, false},
		// runtime errors evaluate to false
		{"new / 0", 2, symbols.KindUnsigned, []byte{0, 0}, []byte{1, 0}, false},
		{"missing == 1", 2, symbols.KindUnsigned, []byte{0, 0}, []byte{1, 0}, false},
	}
	for _, tc := range tests {
		c, err := Expr(tc.src, tc.size, tc.kind)
		require.NoError(t, err, tc.src)
		assert.Equal(t, tc.size, c.Size())
		assert.Equal(t, tc.want, c.Evaluate(tc.old, tc.new), "%s on %v", tc.src, tc.kind)
	}
}

func TestExprErrors(t *testing.T) {
	_, err := Expr("new ==", 4, symbols.KindSigned)
	assert.Error(t, err)

	_, err = Expr("new == 1", 3, symbols.KindSigned)
	assert.Error(t, err)

	_, err = Expr("new == 1", 2, symbols.KindFloat)
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestExprResolvedOnce(t *testing.T) {
	// names are resolved when the condition is compiled, not on every write
	_, err := Expr("new == missing", 4, symbols.KindSigned)
	assert.Error(t, err)

	_, err = Expr("1) or (2", 4, symbols.KindSigned)
	assert.Error(t, err)

	c, err := Expr("new > old", 4, symbols.KindUnsigned)
	require.NoError(t, err)
	for i := byte(1); i < 10; i++ {
		assert.True(t, c.Evaluate([]byte{i - 1, 0, 0, 0}, []byte{i, 0, 0, 0}))
		assert.False(t, c.Evaluate([]byte{i, 0, 0, 0}, []byte{i, 0, 0, 0}))
	}
}
