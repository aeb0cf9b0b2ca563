package txop

import "github.com/banshee-data/beamlink/internal/dmg"

// Queue is a FIFO of peers awaiting training. A peer appears at most once.
type Queue struct {
	items []dmg.Address
	set   map[dmg.Address]struct{}
}

// Push appends peer unless it is already queued. It reports whether the
// peer was added.
func (q *Queue) Push(peer dmg.Address) bool {
	if q.set == nil {
		q.set = make(map[dmg.Address]struct{})
	}
	if _, ok := q.set[peer]; ok {
		return false
	}
	q.set[peer] = struct{}{}
	q.items = append(q.items, peer)
	return true
}

// Peek returns the head without removing it.
func (q *Queue) Peek() (dmg.Address, bool) {
	if len(q.items) == 0 {
		return dmg.Address{}, false
	}
	return q.items[0], true
}

// Remove drops peer wherever it is in the queue.
func (q *Queue) Remove(peer dmg.Address) bool {
	if _, ok := q.set[peer]; !ok {
		return false
	}
	delete(q.set, peer)
	for i, p := range q.items {
		if p == peer {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	return true
}

func (q *Queue) Len() int { return len(q.items) }

// Items returns a copy of the queue in order.
func (q *Queue) Items() []dmg.Address {
	return append([]dmg.Address(nil), q.items...)
}
