package symbols

import (
	"bytes"
	"compress/zlib"
	"debug/dwarf"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/hwwatch/pkg/proc/proctest"
)

func basic(name string, size int64) dwarf.BasicType {
	return dwarf.BasicType{CommonType: dwarf.CommonType{ByteSize: size, Name: name}}
}

func testTable() (*Table, *proctest.Memory) {
	i32 := &dwarf.IntType{BasicType: basic("int32", 4)}
	u8 := &dwarf.UintType{BasicType: basic("uint8", 1)}
	f64 := &dwarf.FloatType{BasicType: basic("float64", 8)}
	limits := &dwarf.ArrayType{CommonType: dwarf.CommonType{ByteSize: 16}, Type: i32, Count: 4}
	config := &dwarf.StructType{
		CommonType: dwarf.CommonType{ByteSize: 32, Name: "main.Config"},
		StructName: "main.Config",
		Kind:       "struct",
		Field: []*dwarf.StructField{
			{Name: "count", Type: i32, ByteOffset: 0},
			{Name: "ratio", Type: f64, ByteOffset: 8},
			{Name: "limits", Type: limits, ByteOffset: 16},
		},
	}
	configPtr := &dwarf.PtrType{CommonType: dwarf.CommonType{ByteSize: 8}, Type: config}
	u8Ptr := &dwarf.PtrType{CommonType: dwarf.CommonType{ByteSize: 8}, Type: u8}
	int64T := &dwarf.IntType{BasicType: basic("int", 8)}
	bytes := &dwarf.StructType{
		CommonType: dwarf.CommonType{ByteSize: 24, Name: "[]uint8"},
		StructName: "[]uint8",
		Kind:       "struct",
		Field: []*dwarf.StructField{
			{Name: "array", Type: u8Ptr, ByteOffset: 0},
			{Name: "len", Type: int64T, ByteOffset: 8},
			{Name: "cap", Type: int64T, ByteOffset: 16},
		},
	}

	mem := new(proctest.Memory)
	mem.Map(0x1000, 0x1000)
	mem.PutUint64(0x1100, 0x1000) // main.current = &main.cfg
	mem.PutUint64(0x1200, 0x1800) // main.buf.array
	mem.PutUint64(0x1208, 3)      // main.buf.len

	tbl := NewTable(
		[]Symbol{
			{Name: "main.main", Entry: 0x400100, Size: 0x80},
			{Name: "main.update", Entry: 0x400000, Size: 0x40},
			{Name: "UObject::ProcessInternal()", Entry: 0x400200, Size: 0x100},
		},
		[]Variable{
			{Name: "main.cfg", Addr: 0x1000, Size: 32, Type: config},
			{Name: "main.current", Addr: 0x1100, Size: 8, Type: configPtr},
			{Name: "main.buf", Addr: 0x1200, Size: 24, Type: bytes},
			{Name: "counter", Addr: 0x1300, Size: 4},
		})
	tbl.SetMemory(mem)
	return tbl, mem
}

func TestLookup(t *testing.T) {
	tbl, _ := testTable()

	fn, ok := tbl.Lookup(0x400010)
	require.True(t, ok)
	assert.Equal(t, "main.update", fn.Name)

	fn, ok = tbl.Lookup(0x400100)
	require.True(t, ok)
	assert.Equal(t, "main.main", fn.Name)

	// cached
	fn, ok = tbl.Lookup(0x400100)
	require.True(t, ok)
	assert.Equal(t, "main.main", fn.Name)

	_, ok = tbl.Lookup(0x400050)
	assert.False(t, ok, "gap between functions")
	_, ok = tbl.Lookup(0x100)
	assert.False(t, ok)

	name, entry := tbl.Symbolize(0x400210)
	assert.Equal(t, "UObject::ProcessInternal()", name)
	assert.Equal(t, uint64(0x400200), entry)
}

func TestResolveAddress(t *testing.T) {
	tbl, _ := testTable()

	tests := []struct {
		root, path string
		want       Location
	}{
		{"", "main.cfg.count", Location{Name: "main.cfg.count", Addr: 0x1000, Size: 4, Kind: KindSigned}},
		{"main.cfg", "ratio", Location{Name: "main.cfg.ratio", Addr: 0x1008, Size: 8, Kind: KindFloat}},
		{"", "main.cfg.limits[2]", Location{Name: "main.cfg.limits[2]", Addr: 0x1018, Size: 4, Kind: KindSigned}},
		{"", "main.current.ratio", Location{Name: "main.current.ratio", Addr: 0x1008, Size: 8, Kind: KindFloat}},
		{"", "main.buf[2]", Location{Name: "main.buf[2]", Addr: 0x1802, Size: 1, Kind: KindUnsigned}},
		{"", "counter", Location{Name: "counter", Addr: 0x1300, Size: 4}},
		{"", "counter+4:2", Location{Name: "counter", Addr: 0x1304, Size: 2}},
		{"", "0x2000:4", Location{Name: "0x2000", Addr: 0x2000, Size: 4}},
		{"", "main.update", Location{Name: "main.update", Addr: 0x400000, Size: 1}},
		{"", "UObject::ProcessInternal()", Location{Name: "UObject::ProcessInternal()", Addr: 0x400200, Size: 1}},
	}
	for _, tc := range tests {
		loc, err := tbl.ResolveAddress(tc.root, tc.path)
		if assert.NoError(t, err, "%s %s", tc.root, tc.path) {
			assert.Equal(t, tc.want, loc, "%s %s", tc.root, tc.path)
		}
	}
}

func TestResolveAddressErrors(t *testing.T) {
	tbl, _ := testTable()

	_, err := tbl.ResolveAddress("", "main.missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = tbl.ResolveAddress("main.cfg", "nosuchfield")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = tbl.ResolveAddress("", "main.cfg.limits[4]")
	assert.Error(t, err)

	_, err = tbl.ResolveAddress("", "main.buf[3]")
	assert.Error(t, err)

	_, err = tbl.ResolveAddress("", "counter.x")
	assert.Error(t, err, "no type information")

	_, err = tbl.ResolveAddress("", "counter:3")
	assert.Error(t, err)

	_, err = tbl.ResolveAddress("", "")
	assert.Error(t, err)
}

func TestPCToLine(t *testing.T) {
	tbl, _ := testTable()
	tbl.setLines([]lineEntry{
		{addr: 0x400000, file: "update.c", line: 10},
		{addr: 0x400010, file: "update.c", line: 12},
		{addr: 0x400040}, // end of sequence
		{addr: 0x400100, file: "main.c", line: 3},
		{addr: 0x400180},
	})

	for _, tc := range []struct {
		pc   uint64
		file string
		line int
	}{
		{0x400000, "update.c", 10},
		{0x40000f, "update.c", 10},
		{0x400010, "update.c", 12},
		{0x400100, "main.c", 3},
		{0x40017f, "main.c", 3},
	} {
		file, line, ok := tbl.PCToLine(tc.pc)
		assert.True(t, ok, "%#x", tc.pc)
		assert.Equal(t, tc.file, file, "%#x", tc.pc)
		assert.Equal(t, tc.line, line, "%#x", tc.pc)
	}
	for _, pc := range []uint64{0x3fffff, 0x400040, 0x400180} {
		_, _, ok := tbl.PCToLine(pc)
		assert.False(t, ok, "%#x", pc)
	}

	fn, ok := tbl.Lookup(0x400110)
	require.True(t, ok)
	assert.Equal(t, "main.c", fn.File)
	assert.Equal(t, 3, fn.Line)
	fn, ok = tbl.Function("main.update")
	require.True(t, ok)
	assert.Equal(t, 10, fn.Line)
}

func TestParseMappings(t *testing.T) {
	maps, err := parseMappings(strings.NewReader(`7f0000001000-7f0000002000 r-xp 00001000 fd:01 42 /usr/lib/libc.so.6
55d0c5a00000-55d0c5a02000 r--p 00000000 fd:01 1234 /usr/bin/my game
7ffd00000000-7ffd00021000 rw-p 00000000 00:00 0 [stack]
7f0000003000-7f0000004000 rw-p 00000000 00:00 0
`))
	require.NoError(t, err)
	require.Len(t, maps, 4)
	assert.Equal(t, Mapping{Start: 0x55d0c5a00000, End: 0x55d0c5a02000, Path: "/usr/bin/my game"}, maps[0])
	assert.Equal(t, Mapping{Start: 0x7f0000001000, End: 0x7f0000002000, Offset: 0x1000, Path: "/usr/lib/libc.so.6"}, maps[1])
	assert.Equal(t, "", maps[2].Path)
	assert.Equal(t, "[stack]", maps[3].Path)

	_, err = parseMappings(strings.NewReader("zzzz r-xp 0 0 0\n"))
	assert.Error(t, err)
}

func TestModule(t *testing.T) {
	tbl := NewTable([]Symbol{{Name: "main", Entry: 0x400100, Size: 0x10, Module: "/usr/bin/game"}}, nil)
	tbl.SetMappings([]Mapping{
		{Start: 0x7f0000001000, End: 0x7f0000002000, Path: "/usr/lib/libc.so.6"},
		{Start: 0x7f0000003000, End: 0x7f0000004000},
	})

	mod, ok := tbl.Module(0x7f0000001800)
	assert.True(t, ok)
	assert.Equal(t, "/usr/lib/libc.so.6", mod)

	mod, ok = tbl.Module(0x400108)
	assert.True(t, ok)
	assert.Equal(t, "/usr/bin/game", mod)

	_, ok = tbl.Module(0x7f0000003800)
	assert.False(t, ok, "anonymous mapping")
	_, ok = tbl.Module(0x7f0000002000)
	assert.False(t, ok)
}

func TestLoadExecutable(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)
	tbl, err := Load(exe, 0)
	require.NoError(t, err)

	fn, ok := tbl.Function("github.com/go-delve/hwwatch/pkg/symbols.TestLoadExecutable")
	require.True(t, ok)
	assert.Equal(t, exe, fn.Module)
	assert.Equal(t, "symbols_test.go", filepath.Base(fn.File))
	assert.NotZero(t, fn.Line)

	file, line, ok := tbl.PCToLine(fn.Entry + 1)
	assert.True(t, ok)
	assert.Equal(t, fn.File, file)
	assert.GreaterOrEqual(t, line, fn.Line)

	fde, err := tbl.FDEForPC(fn.Entry)
	require.NoError(t, err)
	assert.True(t, fde.Cover(fn.Entry))
}

func TestDecompressSection(t *testing.T) {
	var z bytes.Buffer
	w := zlib.NewWriter(&z)
	w.Write([]byte("call frame information"))
	require.NoError(t, w.Close())

	hdr := []byte("ZLIB\x00\x00\x00\x00\x00\x00\x00\x16")
	b, err := decompressMaybe(append(hdr, z.Bytes()...))
	require.NoError(t, err)
	assert.Equal(t, "call frame information", string(b))

	b, err = decompressMaybe([]byte("plain"))
	require.NoError(t, err)
	assert.Equal(t, "plain", string(b))
}
