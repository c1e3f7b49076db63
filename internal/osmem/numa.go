package osmem

import (
	"runtime"

	"github.com/pbnjay/memory"
)

// bytesPerNodeGuess is a generous single-socket memory footprint on current
// server hardware; a host reporting more total memory than this is assumed
// to span more than one socket/node even if its core count alone wouldn't
// suggest it.
const bytesPerNodeGuess = 256 << 30 // 256GiB

// HeuristicNUMA is the NUMA fallback used when the platform exposes no real
// topology query (anything but Linux, or a Linux without /sys/devices
// mounted). It estimates a node count from installed memory and core count
// with github.com/pbnjay/memory — a rough approximation, but the spec only
// asks NUMA placement to be a preference, never a correctness requirement
// (§3: "-1 for any"), so a heuristic fallback is an acceptable degraded
// mode rather than a hole.
type HeuristicNUMA struct {
	nodeCount int
}

var _ NUMA = (*HeuristicNUMA)(nil)

// NewHeuristicNUMA builds a HeuristicNUMA from the host's total memory and
// core count: roughly one node per 128 logical CPUs, or one node per
// bytesPerNodeGuess of installed memory, whichever estimate is larger,
// floored at 1.
func NewHeuristicNUMA() *HeuristicNUMA {
	cores := runtime.NumCPU()
	total := memory.TotalMemory()

	nodes := cores / 128
	if byMemory := int(total / bytesPerNodeGuess); byMemory > nodes {
		nodes = byMemory
	}
	if nodes < 1 {
		nodes = 1
	}
	return &HeuristicNUMA{nodeCount: nodes}
}

// Node always reports node 0 for the heuristic backend: without real
// topology there is no way to know which node the calling thread is
// scheduled on.
func (h *HeuristicNUMA) Node() int { return 0 }

// NodeCount returns the estimated node count.
func (h *HeuristicNUMA) NodeCount() int { return h.nodeCount }

// DetectNUMA returns the best NUMA implementation available on this
// platform: a real sysfs-backed reader on Linux, falling back to
// HeuristicNUMA everywhere else or if sysfs can't be read.
func DetectNUMA() NUMA {
	if n := detectLinuxNUMA(); n != nil {
		return n
	}
	return NewHeuristicNUMA()
}
