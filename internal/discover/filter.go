package discover

import (
	"path/filepath"
	"strings"
)

// Predicate reports whether a descriptor should be kept
type Predicate func(Descriptor) bool

// Filter returns the descriptors accepted by every predicate
func Filter(procs []Descriptor, preds ...Predicate) []Descriptor {
	var kept []Descriptor
next:
	for _, p := range procs {
		for _, pred := range preds {
			if !pred(p) {
				continue next
			}
		}
		kept = append(kept, p)
	}
	return kept
}

// ExcludePIDs drops the descriptors with the given PIDs. Non-positive PIDs
// are ignored so callers can pass os.Getppid() unconditionally.
func ExcludePIDs(pids ...int) Predicate {
	excluded := make(map[int]bool, len(pids))
	for _, pid := range pids {
		if pid > 0 {
			excluded[pid] = true
		}
	}
	return func(d Descriptor) bool {
		return !excluded[d.PID]
	}
}

// Signature identifies a process by an ordered run of argv tokens.
// It matches when the tokens appear contiguously in the argv. A token
// without a slash also matches an argv element by base name, so "python"
// matches "/usr/local/bin/python".
type Signature []string

// ParseSignature splits a space separated signature
func ParseSignature(s string) Signature {
	return Signature(strings.Fields(s))
}

// String returns the signature joined with spaces
func (s Signature) String() string {
	return strings.Join(s, " ")
}

// Matches checks argv against the signature. An empty signature matches
// nothing.
func (s Signature) Matches(argv []string) bool {
	if len(s) == 0 {
		return false
	}
	for i := 0; i+len(s) <= len(argv); i++ {
		matched := true
		for j, tok := range s {
			if !tokenMatches(tok, argv[i+j]) {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}

// Predicate returns s as a filter predicate over descriptors
func (s Signature) Predicate() Predicate {
	return func(d Descriptor) bool {
		return s.Matches(d.Cmdline)
	}
}

func tokenMatches(tok, arg string) bool {
	if arg == tok {
		return true
	}
	if strings.Contains(tok, "/") {
		return false
	}
	return filepath.Base(arg) == tok
}
