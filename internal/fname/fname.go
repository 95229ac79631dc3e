// Package fname names and parses the two file kinds a data directory
// holds: the active log (<hex>.cub) and an in-progress compaction's
// target (<hex>.compact), both named by a monotonically increasing
// base-16 numeric prefix so the current file is always the one with the
// largest prefix in the directory. There is no teacher grounding for
// this file naming scheme -- the reference repo memory-maps a single
// fixed-name file -- so it's modeled directly on the on-disk layout
// described for online compaction.
package fname

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	LogExt     = ".cub"
	CompactExt = ".compact"
)

// Entry is a parsed data-directory file: its numeric prefix and full
// base name.
type Entry struct {
	Num  uint64
	Name string
}

// IsLog reports whether name has the active-log extension.
func IsLog(name string) bool { return strings.EqualFold(filepath.Ext(name), LogExt) }

// IsCompacting reports whether name has the in-progress-compaction
// extension.
func IsCompacting(name string) bool { return strings.EqualFold(filepath.Ext(name), CompactExt) }

// Parse extracts the numeric prefix from a <hex>.cub or <hex>.compact
// name, reporting ok=false for anything else.
func Parse(name string) (num uint64, ok bool) {
	if !IsLog(name) && !IsCompacting(name) {
		return 0, false
	}

	stem := strings.TrimSuffix(name, filepath.Ext(name))
	n, err := strconv.ParseUint(stem, 16, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Format renders the file name for numeric prefix n with the given
// extension (LogExt or CompactExt).
func Format(n uint64, ext string) string {
	return fmt.Sprintf("%x%s", n, ext)
}

// Scan parses a directory listing's names and returns every .cub and .compact
// file, along with the largest numeric prefix seen across both kinds --
// the basis for naming the next file one greater, per the spec's
// monotonic prefix requirement.
func Scan(names []string) (logs []Entry, compacting []Entry, max uint64, maxSeen bool) {
	for _, name := range names {
		n, ok := Parse(name)
		if !ok {
			continue
		}

		if !maxSeen || n > max {
			max = n
			maxSeen = true
		}

		if IsLog(name) {
			logs = append(logs, Entry{Num: n, Name: name})
		} else {
			compacting = append(compacting, Entry{Num: n, Name: name})
		}
	}

	return logs, compacting, max, maxSeen
}

// Current returns the entry with the largest numeric prefix among logs,
// the active log file per the spec's "largest prefix wins" rule.
func Current(logs []Entry) (Entry, bool) {
	var best Entry
	found := false
	for _, e := range logs {
		if !found || e.Num > best.Num {
			best = e
			found = true
		}
	}
	return best, found
}
