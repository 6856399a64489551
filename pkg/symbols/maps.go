package symbols

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Mapping is a region of the address space of a process.
type Mapping struct {
	Start, End uint64
	Offset     uint64
	// Path is the file backing the region, empty for anonymous memory.
	Path string
}

// ReadMappings returns the memory mappings of process pid, sorted by
// address.
func ReadMappings(pid int) ([]Mapping, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseMappings(f)
}

func parseMappings(r io.Reader) ([]Mapping, error) {
	var maps []Mapping
	scan := bufio.NewScanner(r)
	for scan.Scan() {
		// 55d0c5a00000-55d0c5a02000 r--p 00000000 fd:01 1234 /usr/bin/prog
		fields := strings.Fields(scan.Text())
		if len(fields) < 5 {
			continue
		}
		bounds := strings.SplitN(fields[0], "-", 2)
		if len(bounds) != 2 {
			return nil, fmt.Errorf("malformed mapping %q", scan.Text())
		}
		var m Mapping
		var err error
		if m.Start, err = strconv.ParseUint(bounds[0], 16, 64); err != nil {
			return nil, err
		}
		if m.End, err = strconv.ParseUint(bounds[1], 16, 64); err != nil {
			return nil, err
		}
		if m.Offset, err = strconv.ParseUint(fields[2], 16, 64); err != nil {
			return nil, err
		}
		if len(fields) >= 6 {
			m.Path = strings.Join(fields[5:], " ")
		}
		maps = append(maps, m)
	}
	if err := scan.Err(); err != nil {
		return nil, err
	}
	sort.Slice(maps, func(i, j int) bool { return maps[i].Start < maps[j].Start })
	return maps, nil
}

// findMapping returns the mapping containing addr.
func findMapping(maps []Mapping, addr uint64) (Mapping, bool) {
	i := sort.Search(len(maps), func(i int) bool { return maps[i].End > addr })
	if i == len(maps) || addr < maps[i].Start {
		return Mapping{}, false
	}
	return maps[i], true
}
