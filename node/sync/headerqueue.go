package sync

import "neonode.dev/node/consensus"

// headerQueue is the bounded (default 2000, §5 Memory) FIFO of validated
// headers downloaded ahead of the block phase: enough to know the target
// chain is internally consistent before committing bandwidth to full block
// bodies (§4.3 step 2).
type headerQueue struct {
	cap     int
	headers []consensus.BlockHeader
}

func newHeaderQueue(cap int) *headerQueue {
	return &headerQueue{cap: cap}
}

func (q *headerQueue) full() bool { return len(q.headers) >= q.cap }

func (q *headerQueue) push(h consensus.BlockHeader) bool {
	if q.full() {
		return false
	}
	q.headers = append(q.headers, h)
	return true
}

// highestIndex returns the queue's last header's index, or (0, false) if
// empty.
func (q *headerQueue) highestIndex() (uint32, bool) {
	if len(q.headers) == 0 {
		return 0, false
	}
	return q.headers[len(q.headers)-1].Index, true
}

func (q *headerQueue) len() int { return len(q.headers) }

// drainBefore removes and returns every queued header with Index < upTo,
// in ascending order, once the block phase has consumed them.
func (q *headerQueue) drainBefore(upTo uint32) []consensus.BlockHeader {
	i := 0
	for i < len(q.headers) && q.headers[i].Index < upTo {
		i++
	}
	out := q.headers[:i]
	q.headers = append([]consensus.BlockHeader{}, q.headers[i:]...)
	return out
}
