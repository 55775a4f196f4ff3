package monitor

import "strings"

// NodeType distinguishes control-plane from agent upgrades
type NodeType string

const (
	NodeMaster NodeType = "Master"
	NodeWorker NodeType = "Worker"
)

// NodeTypeOf classifies a plan. Plans whose name contains "master"
// upgrade server nodes.
func NodeTypeOf(plan string) NodeType {
	if strings.Contains(plan, "master") {
		return NodeMaster
	}
	return NodeWorker
}

// ParseJobName extracts node and plan from a system-upgrade-controller job
// name of the form apply-{plan}-on-{node}-with-{hash}. ok is false when the
// name does not follow that form or either part is empty.
func ParseJobName(name string) (node, plan string, ok bool) {
	parts := strings.Split(name, "-")
	if len(parts) < 4 {
		return "", "", false
	}

	onIdx := indexOf(parts, "on")
	withIdx := indexOf(parts, "with")
	if onIdx < 1 || withIdx <= onIdx {
		return "", "", false
	}

	node = strings.Join(parts[onIdx+1:withIdx], "-")
	plan = strings.Join(parts[1:onIdx], "-")
	if node == "" || plan == "" {
		return "", "", false
	}
	return node, plan, true
}

func indexOf(parts []string, s string) int {
	for i, p := range parts {
		if p == s {
			return i
		}
	}
	return -1
}
