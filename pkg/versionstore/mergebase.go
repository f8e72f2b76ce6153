package versionstore

import (
	"bytes"
	"container/heap"
	"context"
	"fmt"
	"sync"

	"github.com/odvcencio/strata/pkg/logic"
	"github.com/odvcencio/strata/pkg/object"
)

const maxMergeBaseSteps = 1_000_000

// mergeBaseStepsLimit lets tests tighten the traversal bound.
var mergeBaseStepsLimit = maxMergeBaseSteps

func mergeBaseTraversalLimit() int {
	if mergeBaseStepsLimit <= 0 || mergeBaseStepsLimit > maxMergeBaseSteps {
		return maxMergeBaseSteps
	}
	return mergeBaseStepsLimit
}

func mergeBaseStepsLimitError(limit int) error {
	return fmt.Errorf("find merge base: traversal exceeded maximum steps (%d)", limit)
}

func lessID(a, b object.ObjID) bool { return bytes.Compare(a[:], b[:]) < 0 }

type mergeBaseQueueItem struct {
	id  object.ObjID
	seq uint64
}

// mergeBaseMaxHeap pops the highest seq first, ties broken by id.
type mergeBaseMaxHeap []mergeBaseQueueItem

func (h mergeBaseMaxHeap) Len() int { return len(h) }

func (h mergeBaseMaxHeap) Less(i, j int) bool {
	if h[i].seq == h[j].seq {
		return lessID(h[i].id, h[j].id)
	}
	return h[i].seq > h[j].seq
}

func (h mergeBaseMaxHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeBaseMaxHeap) Push(x any) { *h = append(*h, x.(mergeBaseQueueItem)) }

func (h *mergeBaseMaxHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func (h mergeBaseMaxHeap) Peek() (mergeBaseQueueItem, bool) {
	if len(h) == 0 {
		return mergeBaseQueueItem{}, false
	}
	return h[0], true
}

type mergeBaseCacheKey struct {
	left, right object.ObjID
}

type mergeBaseCacheEntry struct {
	base  object.ObjID
	found bool
}

func canonicalMergeBaseCacheKey(a, b object.ObjID) mergeBaseCacheKey {
	if lessID(b, a) {
		a, b = b, a
	}
	return mergeBaseCacheKey{left: a, right: b}
}

// mergeBaseState caches commits and merge-base answers. Commits are
// immutable, so entries never go stale.
type mergeBaseState struct {
	commits *logic.CommitLogic

	mu         sync.RWMutex
	cache      map[object.ObjID]*object.CommitObj
	mergeBases map[mergeBaseCacheKey]mergeBaseCacheEntry
}

func newMergeBaseState(commits *logic.CommitLogic) *mergeBaseState {
	return &mergeBaseState{
		commits:    commits,
		cache:      make(map[object.ObjID]*object.CommitObj),
		mergeBases: make(map[mergeBaseCacheKey]mergeBaseCacheEntry),
	}
}

func (s *mergeBaseState) loadMergeBase(a, b object.ObjID) (mergeBaseCacheEntry, bool) {
	s.mu.RLock()
	entry, ok := s.mergeBases[canonicalMergeBaseCacheKey(a, b)]
	s.mu.RUnlock()
	return entry, ok
}

func (s *mergeBaseState) storeMergeBase(a, b, base object.ObjID, found bool) {
	s.mu.Lock()
	s.mergeBases[canonicalMergeBaseCacheKey(a, b)] = mergeBaseCacheEntry{base: base, found: found}
	s.mu.Unlock()
}

func (s *mergeBaseState) mergeBaseCacheSize() int {
	s.mu.RLock()
	n := len(s.mergeBases)
	s.mu.RUnlock()
	return n
}

func (s *mergeBaseState) readCommit(ctx context.Context, id object.ObjID) (*object.CommitObj, error) {
	s.mu.RLock()
	cached, ok := s.cache[id]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}
	c, err := s.commits.FetchCommit(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("find merge base: %w", err)
	}
	s.mu.Lock()
	s.cache[id] = c
	s.mu.Unlock()
	return c, nil
}

// FindMergeBase returns the best common ancestor of a and b: the one with
// the highest seq, ties broken by the smaller id. The search walks both
// sides highest seq first and stops once neither queue can reach a better
// candidate. found is false for unrelated histories.
func (s *mergeBaseState) FindMergeBase(ctx context.Context, a, b object.ObjID) (base object.ObjID, found bool, err error) {
	if a.IsZero() || b.IsZero() {
		return object.EmptyObjID, false, nil
	}
	if a == b {
		return a, true, nil
	}
	if cached, ok := s.loadMergeBase(a, b); ok {
		return cached.base, cached.found, nil
	}

	ca, err := s.readCommit(ctx, a)
	if err != nil {
		return object.EmptyObjID, false, err
	}
	cb, err := s.readCommit(ctx, b)
	if err != nil {
		return object.EmptyObjID, false, err
	}

	base, found, err = s.findMergeBaseWithPruning(ctx, a, b, ca.Seq, cb.Seq)
	if err != nil {
		return object.EmptyObjID, false, err
	}
	s.storeMergeBase(a, b, base, found)
	return base, found, nil
}

func (s *mergeBaseState) findMergeBaseWithPruning(ctx context.Context, a, b object.ObjID, seqA, seqB uint64) (object.ObjID, bool, error) {
	maxSteps := mergeBaseTraversalLimit()

	visitedA := map[object.ObjID]struct{}{a: {}}
	visitedB := map[object.ObjID]struct{}{b: {}}
	queueA := mergeBaseMaxHeap{{id: a, seq: seqA}}
	queueB := mergeBaseMaxHeap{{id: b, seq: seqB}}
	heap.Init(&queueA)
	heap.Init(&queueB)

	var best object.ObjID
	var bestSeq uint64
	found := false
	steps := 0

	for queueA.Len() > 0 || queueB.Len() > 0 {
		if found {
			topA, okA := queueA.Peek()
			topB, okB := queueB.Peek()
			if (!okA || topA.seq < bestSeq) && (!okB || topB.seq < bestSeq) {
				break
			}
		}

		var traverseA bool
		switch {
		case queueA.Len() == 0:
			traverseA = false
		case queueB.Len() == 0:
			traverseA = true
		default:
			topA, topB := queueA[0], queueB[0]
			if topA.seq != topB.seq {
				traverseA = topA.seq > topB.seq
			} else {
				traverseA = !lessID(topB.id, topA.id)
			}
		}

		var item mergeBaseQueueItem
		if traverseA {
			item = heap.Pop(&queueA).(mergeBaseQueueItem)
		} else {
			item = heap.Pop(&queueB).(mergeBaseQueueItem)
		}

		steps++
		if steps > maxSteps {
			return object.EmptyObjID, false, mergeBaseStepsLimitError(maxSteps)
		}
		if found && item.seq < bestSeq {
			continue
		}

		own, other := visitedA, visitedB
		queue := &queueA
		if !traverseA {
			own, other = visitedB, visitedA
			queue = &queueB
		}
		if _, seen := other[item.id]; seen {
			best, bestSeq, found = chooseBetterMergeBase(best, bestSeq, found, item.id, item.seq)
		}

		commit, err := s.readCommit(ctx, item.id)
		if err != nil {
			return object.EmptyObjID, false, err
		}
		for _, p := range commit.Parents() {
			if _, seen := own[p]; seen {
				continue
			}
			parent, err := s.readCommit(ctx, p)
			if err != nil {
				return object.EmptyObjID, false, err
			}
			if found && parent.Seq < bestSeq {
				continue
			}
			own[p] = struct{}{}
			heap.Push(queue, mergeBaseQueueItem{id: p, seq: parent.Seq})
			if _, seen := other[p]; seen {
				best, bestSeq, found = chooseBetterMergeBase(best, bestSeq, found, p, parent.Seq)
			}
		}
	}
	return best, found, nil
}

func chooseBetterMergeBase(best object.ObjID, bestSeq uint64, found bool, candidate object.ObjID, candidateSeq uint64) (object.ObjID, uint64, bool) {
	switch {
	case !found, candidateSeq > bestSeq:
		return candidate, candidateSeq, true
	case candidateSeq < bestSeq:
		return best, bestSeq, true
	case lessID(candidate, best):
		return candidate, candidateSeq, true
	default:
		return best, bestSeq, true
	}
}

// isAncestor reports whether ancestor is reachable from descendant.
func (s *mergeBaseState) isAncestor(ctx context.Context, ancestor, descendant object.ObjID) (bool, error) {
	if ancestor.IsZero() {
		return true, nil
	}
	if ancestor == descendant {
		return true, nil
	}
	if descendant.IsZero() {
		return false, nil
	}
	anc, err := s.readCommit(ctx, ancestor)
	if err != nil {
		return false, err
	}
	maxSteps := mergeBaseTraversalLimit()
	visited := map[object.ObjID]struct{}{descendant: {}}
	queue := []object.ObjID{descendant}
	for steps := 0; len(queue) > 0; steps++ {
		if steps > maxSteps {
			return false, mergeBaseStepsLimitError(maxSteps)
		}
		cur := queue[0]
		queue = queue[1:]
		if cur == ancestor {
			return true, nil
		}
		c, err := s.readCommit(ctx, cur)
		if err != nil {
			return false, err
		}
		if c.Seq <= anc.Seq {
			continue
		}
		for _, p := range c.Parents() {
			if _, seen := visited[p]; !seen {
				visited[p] = struct{}{}
				queue = append(queue, p)
			}
		}
	}
	return false, nil
}
