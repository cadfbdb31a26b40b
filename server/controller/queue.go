package controller

import (
	"sync"
)

// workItem is one unit of state transition work, bound to the analysis
// whose lock it runs under.
type workItem struct {
	analysisID string
	describe   string
	handle     func(wctx *workCtx) error
}

// workQueue is an unbounded FIFO for work items. Workers poll it; the
// queue never blocks a producer, so the control socket stays responsive
// under load.
type workQueue struct {
	mu    sync.Mutex
	items []workItem
}

func (q *workQueue) push(item workItem) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
}

func (q *workQueue) pop() (workItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return workItem{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

func (q *workQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
