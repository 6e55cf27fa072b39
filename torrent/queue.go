package torrent

import (
	"math/rand"

	"github.com/seedless/leech/peer"
)

// pieceQueue is the FIFO of outstanding piece work. The initial order
// is shuffled so a cohort of fresh peers does not pile onto the same
// first piece; retries go to the tail, giving a failed piece a chance
// with a different peer.
type pieceQueue struct {
	items []peer.PieceDescriptor
}

// newPieceQueue builds the queue. A nil rng keeps torrent order,
// which the tests rely on.
func newPieceQueue(descs []peer.PieceDescriptor, rng *rand.Rand) *pieceQueue {
	items := make([]peer.PieceDescriptor, len(descs))
	copy(items, descs)
	if rng != nil {
		rng.Shuffle(len(items), func(i, j int) {
			items[i], items[j] = items[j], items[i]
		})
	}
	return &pieceQueue{items: items}
}

func (q *pieceQueue) len() int { return len(q.items) }

// popFront removes and returns the head of the queue.
func (q *pieceQueue) popFront() (peer.PieceDescriptor, bool) {
	if len(q.items) == 0 {
		return peer.PieceDescriptor{}, false
	}
	d := q.items[0]
	q.items = q.items[1:]
	return d, true
}

// pushBack re-queues a descriptor at the tail.
func (q *pieceQueue) pushBack(d peer.PieceDescriptor) {
	q.items = append(q.items, d)
}
