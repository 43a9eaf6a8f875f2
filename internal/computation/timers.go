package computation

import "github.com/google/btree"

type timer struct {
	timestamp int64
	key       string
}

func timerLess(a, b timer) bool {
	if a.timestamp != b.timestamp {
		return a.timestamp < b.timestamp
	}
	return a.key < b.key
}

// timerQueue orders the timers of a runner by expiry, setting a key replaces its timer
type timerQueue struct {
	tree  *btree.BTreeG[timer]
	byKey map[string]int64
}

func newTimerQueue() *timerQueue {
	return &timerQueue{
		tree:  btree.NewG(8, timerLess),
		byKey: make(map[string]int64),
	}
}

func (q *timerQueue) set(key string, timestamp int64) {
	if old, ok := q.byKey[key]; ok {
		q.tree.Delete(timer{timestamp: old, key: key})
	}
	q.byKey[key] = timestamp
	q.tree.ReplaceOrInsert(timer{timestamp: timestamp, key: key})
}

// expired removes and returns the timers due at now, oldest first
func (q *timerQueue) expired(now int64) []timer {
	var ret []timer
	for {
		t, ok := q.tree.Min()
		if !ok || t.timestamp > now {
			return ret
		}
		q.tree.DeleteMin()
		delete(q.byKey, t.key)
		ret = append(ret, t)
	}
}

// next returns the earliest expiry
func (q *timerQueue) next() (int64, bool) {
	t, ok := q.tree.Min()
	return t.timestamp, ok
}

func (q *timerQueue) len() int {
	return q.tree.Len()
}
