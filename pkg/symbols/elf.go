package symbols

import (
	"debug/dwarf"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/go-delve/hwwatch/pkg/dwarf/frame"
	"github.com/go-delve/hwwatch/pkg/logflags"
)

// DW_OP_addr
const opAddr = 0x03

// Load reads the symbols of the ELF executable at path. All addresses are
// shifted by bias, the difference between the address the executable was
// loaded at and the address it was linked at.
func Load(path string, bias uint64) (*Table, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return loadELF(f, bias, path)
}

func loadELF(f *elf.File, bias uint64, module string) (*Table, error) {
	syms, err := f.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, err
	}

	var funcs []Symbol
	vars := make(map[string]Variable)
	for _, s := range syms {
		if s.Value == 0 || s.Name == "" {
			continue
		}
		switch elf.ST_TYPE(s.Info) {
		case elf.STT_FUNC:
			funcs = append(funcs, Symbol{Name: s.Name, Entry: s.Value + bias, Size: s.Size, Module: module})
		case elf.STT_OBJECT:
			vars[s.Name] = Variable{Name: s.Name, Addr: s.Value + bias, Size: int64(s.Size)}
		}
	}

	var lines []lineEntry
	if d, err := f.DWARF(); err == nil {
		for _, v := range dwarfVariables(d, bias) {
			vars[v.Name] = v
		}
		lines = dwarfLines(d, bias)
	}

	vs := make([]Variable, 0, len(vars))
	for _, v := range vars {
		vs = append(vs, v)
	}
	t := NewTable(funcs, vs)
	t.setLines(lines)
	t.SetFrameEntries(frameEntries(f, bias))
	return t, nil
}

// frameEntries returns the call frame information of f, from both
// .debug_frame and .eh_frame. A section that cannot be parsed is left out.
func frameEntries(f *elf.File, bias uint64) frame.FrameDescriptionEntries {
	ptrSize := 8
	if f.Class == elf.ELFCLASS32 {
		ptrSize = 4
	}
	log := logflags.StackLogger()

	var fdes frame.FrameDescriptionEntries
	data, err := debugSection(f, "frame")
	if err == nil {
		fdes, err = frame.Parse(data, f.ByteOrder, 0, ptrSize, 0)
	}
	if err != nil {
		log.Debugf("could not read .debug_frame: %v", err)
	}
	if sec := f.Section(".eh_frame"); sec != nil && sec.Addr != 0 {
		data, err := sec.Data()
		var ehFrame frame.FrameDescriptionEntries
		if err == nil {
			ehFrame, err = frame.Parse(data, f.ByteOrder, 0, ptrSize, sec.Addr)
		}
		if err != nil {
			log.Debugf("could not read .eh_frame: %v", err)
		}
		fdes = fdes.Append(ehFrame)
	}
	fdes.Translate(bias)
	return fdes
}

// dwarfLines returns the line table of every compile unit of d, sorted by
// address. Entries with line 0 mark the end of a sequence.
func dwarfLines(d *dwarf.Data, bias uint64) []lineEntry {
	var lines []lineEntry
	r := d.Reader()
	for {
		e, err := r.Next()
		if err != nil || e == nil {
			break
		}
		if e.Tag != dwarf.TagCompileUnit {
			r.SkipChildren()
			continue
		}
		lr, err := d.LineReader(e)
		r.SkipChildren()
		if err != nil || lr == nil {
			continue
		}
		var le dwarf.LineEntry
		for lr.Next(&le) == nil {
			l := lineEntry{addr: le.Address + bias}
			if !le.EndSequence && le.File != nil {
				l.file, l.line = le.File.Name, le.Line
			}
			lines = append(lines, l)
		}
	}
	sort.SliceStable(lines, func(i, j int) bool {
		if lines[i].addr != lines[j].addr {
			return lines[i].addr < lines[j].addr
		}
		// a sequence starting where another ends wins
		return lines[i].line == 0 && lines[j].line != 0
	})
	return lines
}

// dwarfVariables returns the global variables described by d that have a
// static address.
func dwarfVariables(d *dwarf.Data, bias uint64) []Variable {
	var vars []Variable
	r := d.Reader()
	for {
		e, err := r.Next()
		if err != nil || e == nil {
			break
		}
		if e.Tag != dwarf.TagVariable {
			continue
		}
		name, _ := e.Val(dwarf.AttrName).(string)
		loc, _ := e.Val(dwarf.AttrLocation).([]byte)
		if name == "" || len(loc) != 9 || loc[0] != opAddr {
			continue
		}
		off, ok := e.Val(dwarf.AttrType).(dwarf.Offset)
		if !ok {
			continue
		}
		typ, err := d.Type(off)
		if err != nil {
			continue
		}
		vars = append(vars, Variable{
			Name: name,
			Addr: binary.LittleEndian.Uint64(loc[1:]) + bias,
			Size: typ.Size(),
			Type: typ,
		})
	}
	return vars
}

// LoadProcess reads the symbols of the executable of process pid,
// accounting for where it was loaded. The table knows the mappings of the
// process to name the module of addresses outside of the executable.
func LoadProcess(pid int) (*Table, error) {
	exe := fmt.Sprintf("/proc/%d/exe", pid)
	f, err := elf.Open(exe)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	target, err := os.Readlink(exe)
	if err != nil {
		return nil, err
	}
	maps, err := ReadMappings(pid)
	if err != nil {
		return nil, err
	}

	var bias uint64
	if f.Type == elf.ET_DYN {
		bias, err = loadBias(f, maps, target)
		if err != nil {
			return nil, err
		}
	}
	t, err := loadELF(f, bias, target)
	if err != nil {
		return nil, err
	}
	t.SetMappings(maps)
	return t, nil
}

// loadBias computes the load bias of a position independent executable
// from the first mapping of its file.
func loadBias(f *elf.File, maps []Mapping, target string) (uint64, error) {
	var start uint64
	found := false
	for _, m := range maps {
		if m.Path == target && m.Offset == 0 {
			start, found = m.Start, true
			break
		}
	}
	if !found {
		return 0, fmt.Errorf("could not find mapping of %s", target)
	}

	var low uint64 = ^uint64(0)
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD && p.Vaddr < low {
			low = p.Vaddr
		}
	}
	if low == ^uint64(0) {
		return 0, errors.New("executable has no loadable segments")
	}
	return start - low&^0xfff, nil
}
