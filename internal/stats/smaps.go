package stats

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// smapsRollup is the subset of /proc/self/smaps_rollup fields spec
// §4.10 requires: Anonymous is the dirty-heap proxy, Private_Dirty and
// Private_Clean separate writable-but-untouched mappings from
// file-backed pages that can be dropped under memory pressure.
type smapsRollup struct {
	AnonymousKB     uint64
	PrivateDirtyKB  uint64
	PrivateCleanKB  uint64
}

// readSmapsRollup parses /proc/self/smaps_rollup. Returns the zero
// value with no error on non-Linux systems where the file doesn't
// exist, since the spec scopes this breakdown to Linux explicitly.
func readSmapsRollup() (smapsRollup, error) {
	f, err := os.Open("/proc/self/smaps_rollup")
	if os.IsNotExist(err) {
		return smapsRollup{}, nil
	}
	if err != nil {
		return smapsRollup{}, err
	}
	defer f.Close()

	var r smapsRollup
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		key := strings.TrimSuffix(fields[0], ":")
		val, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch key {
		case "Anonymous":
			r.AnonymousKB = val
		case "Private_Dirty":
			r.PrivateDirtyKB = val
		case "Private_Clean":
			r.PrivateCleanKB = val
		}
	}
	return r, sc.Err()
}

// pageFaultCounts holds the cumulative major/minor fault counters from
// /proc/self/stat (fields 10 and 12, 1-indexed).
type pageFaultCounts struct {
	Minor uint64
	Major uint64
}

func readPageFaultCounts() (pageFaultCounts, error) {
	b, err := os.ReadFile("/proc/self/stat")
	if os.IsNotExist(err) {
		return pageFaultCounts{}, nil
	}
	if err != nil {
		return pageFaultCounts{}, err
	}

	// Field 2 (comm) may contain spaces/parens, so split past the last ')'.
	s := string(b)
	idx := strings.LastIndexByte(s, ')')
	if idx < 0 {
		return pageFaultCounts{}, nil
	}
	fields := strings.Fields(s[idx+1:])
	// After the comm field, fields[0] is state (field 3); minflt is field
	// 10 overall, i.e. fields[7] in this post-comm slice; majflt is field
	// 12, i.e. fields[9].
	if len(fields) < 10 {
		return pageFaultCounts{}, nil
	}
	minor, err1 := strconv.ParseUint(fields[7], 10, 64)
	major, err2 := strconv.ParseUint(fields[9], 10, 64)
	if err1 != nil || err2 != nil {
		return pageFaultCounts{}, nil
	}
	return pageFaultCounts{Minor: minor, Major: major}, nil
}
