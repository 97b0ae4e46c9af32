package stepgraph

import (
	"context"
	"strconv"
	"strings"
)

// deduplicate merges interchangeable steps until a full scan performs no
// merge. It returns the number of steps merged away.
func (op *OperationPlan) deduplicate(ctx context.Context) (int, error) {
	total := 0
	for {
		merged, err := op.dedupScan(ctx)
		if err != nil {
			return total, err
		}
		if merged == 0 {
			return total, nil
		}
		total += merged
	}
}

// dedupScan groups the live steps into candidate sets and merges each set
// into its lowest-id member.
func (op *OperationPlan) dedupScan(ctx context.Context) (int, error) {
	groups := make(map[string][]Step)
	var order []string
	for _, s := range op.live() {
		b := s.base()
		if !b.hasPeerKey {
			continue
		}
		if _, ok := s.(Deduplicator); !ok {
			continue
		}
		key := op.candidateKey(s)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], s)
	}

	merged := 0
	for _, key := range order {
		group := groups[key]
		if len(group) < 2 {
			continue
		}

		gone := make(map[StepID]bool)
		for i, s := range group {
			if gone[s.base().id] {
				continue
			}
			rest := make([]Step, 0, len(group)-i-1)
			for _, peer := range group[i+1:] {
				if !gone[peer.base().id] {
					rest = append(rest, peer)
				}
			}
			if len(rest) == 0 {
				break
			}

			allowed := make(map[StepID]bool, len(rest))
			for _, peer := range rest {
				allowed[peer.base().id] = true
			}

			for _, peer := range s.(Deduplicator).Deduplicate(rest) {
				pid := peer.base().id
				if !allowed[pid] || gone[pid] {
					continue
				}
				if h, ok := peer.(DeduplicationHandler); ok {
					h.DeduplicatedWith(s)
				}
				if err := op.replace(ctx, peer, s, ReasonDeduplicate); err != nil {
					return merged, &CompileError{
						Phase:    "deduplicate",
						StepID:   pid,
						StepName: peer.base().name,
						Message:  "merging step",
						Cause:    err,
					}
				}
				gone[pid] = true
				merged++
			}
		}
	}
	return merged, nil
}

// candidateKey is equal for two steps exactly when they share kind, peer key
// and resolved strong dependencies.
func (op *OperationPlan) candidateKey(s Step) string {
	b := s.base()
	var sb strings.Builder
	sb.WriteString(strconv.Itoa(int(s.Kind())))
	sb.WriteByte('|')
	sb.WriteString(strconv.Quote(b.peerKey))
	for _, dep := range b.deps {
		sb.WriteByte('|')
		sb.WriteString(strconv.Itoa(int(op.resolve(dep))))
	}
	return sb.String()
}
