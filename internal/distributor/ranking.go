package distributor

import (
	"sort"
	"time"

	"github.com/gridworks/distributor/internal/capabilities"
	"github.com/gridworks/distributor/internal/node"
	"github.com/gridworks/distributor/internal/queue"
)

// candidate is one (node, alternative) pairing eligible to serve a pending
// request: the node is UP, not draining, and has at least one FREE slot
// matching alt.
type candidate struct {
	ref            *registeredNode
	status         node.Status
	alt            capabilities.Capabilities
	loadRatio      float64
	specialization int
	lru            time.Time
}

// buildCandidates evaluates every registered node against every alternative
// in req and returns the eligible ones. matchedAnywhere reports whether any
// registered node's stereotype matches any alternative at all, regardless
// of availability — used to distinguish UNSUPPORTED_CAPABILITIES from
// "busy, try again".
func buildCandidates(req queue.Request, refs []*registeredNode) (cands []candidate, matchedAnywhere bool) {
	for _, ref := range refs {
		st := ref.node.GetStatus()

		var bestAlt capabilities.Capabilities
		bestFree := -1
		for _, alt := range req.Alternatives {
			if !ref.node.Matches(alt) {
				continue
			}
			matchedAnywhere = true

			if st.Availability != node.Up || st.Draining {
				continue
			}
			free := freeMatchingSlots(st, alt)
			if free == 0 {
				continue
			}
			if free > bestFree {
				bestFree = free
				bestAlt = alt
			}
		}
		if bestFree < 0 {
			continue
		}

		cands = append(cands, candidate{
			ref:            ref,
			status:         st,
			alt:            bestAlt,
			loadRatio:      loadRatio(st),
			specialization: bestFree - len(st.Stereotypes()),
			lru:            earliestLastStarted(st),
		})
	}
	return cands, matchedAnywhere
}

func freeMatchingSlots(st node.Status, requested capabilities.Capabilities) int {
	n := 0
	for _, slot := range st.Slots {
		if slot.State == node.Free && slot.Stereotype.Matches(requested) {
			n++
		}
	}
	return n
}

func loadRatio(st node.Status) float64 {
	if len(st.Slots) == 0 {
		return 1
	}
	return float64(st.ActiveCount()) / float64(len(st.Slots))
}

// earliestLastStarted is the minimum lastStarted across a node's slots. A
// slot that has never run a session has a zero time.Time, which sorts
// before any real timestamp, so a node with any never-used slot always wins
// the LRU tie-break — spreading first use across the fleet.
func earliestLastStarted(st node.Status) time.Time {
	var min time.Time
	first := true
	for _, slot := range st.Slots {
		if first || slot.LastStarted.Before(min) {
			min = slot.LastStarted
			first = false
		}
	}
	return min
}

// rank orders candidates best-first: lowest load ratio, then highest
// specialization score (free slots matching the request minus the number of
// distinct stereotypes the node supports, so a node offering fewer
// stereotypes is preferred over a generalist node), then least-recently-used,
// then stable registration order.
func rank(cands []candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.loadRatio != b.loadRatio {
			return a.loadRatio < b.loadRatio
		}
		if a.specialization != b.specialization {
			return a.specialization > b.specialization
		}
		if !a.lru.Equal(b.lru) {
			return a.lru.Before(b.lru)
		}
		return a.ref.insertionIndex < b.ref.insertionIndex
	})
}
