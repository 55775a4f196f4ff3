package monitor

import (
	"strings"

	"github.com/Masterminds/semver/v3"
)

// UnknownVersion is reported when a node's kubelet version cannot be read
const UnknownVersion = "unknown"

// Change classifies the version difference across an upgrade
type Change string

const (
	ChangeUpgrade   Change = "upgrade"
	ChangeUnchanged Change = "unchanged"
	ChangeDowngrade Change = "downgrade"
	ChangeUnknown   Change = "unknown"
)

// ClassifyChange compares two kubelet versions such as v1.30.4+k3s1.
// Semver ignores build metadata, so the k3s revision in the metadata
// breaks ties.
func ClassifyChange(from, to string) Change {
	if from == "" || to == "" || from == UnknownVersion || to == UnknownVersion {
		return ChangeUnknown
	}

	fv, err := semver.NewVersion(from)
	if err != nil {
		return ChangeUnknown
	}
	tv, err := semver.NewVersion(to)
	if err != nil {
		return ChangeUnknown
	}

	cmp := tv.Compare(fv)
	if cmp == 0 {
		cmp = compareRevision(fv.Metadata(), tv.Metadata())
	}

	switch {
	case cmp > 0:
		return ChangeUpgrade
	case cmp < 0:
		return ChangeDowngrade
	default:
		return ChangeUnchanged
	}
}

// compareRevision orders metadata like "k3s1" < "k3s2" < "k3s10"
func compareRevision(from, to string) int {
	if from == to {
		return 0
	}
	fp, fn := splitRevision(from)
	tp, tn := splitRevision(to)
	if fp != tp {
		return strings.Compare(to, from)
	}
	switch {
	case tn > fn:
		return 1
	case tn < fn:
		return -1
	default:
		return 0
	}
}

func splitRevision(meta string) (prefix string, n int) {
	i := len(meta)
	for i > 0 && meta[i-1] >= '0' && meta[i-1] <= '9' {
		i--
	}
	for _, c := range meta[i:] {
		n = n*10 + int(c-'0')
	}
	return meta[:i], n
}
