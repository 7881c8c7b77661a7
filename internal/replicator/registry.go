package replicator

import "sync"

// active holds the identities of running replicators in this process. Two
// replicators with the same identity would race on one checkpoint.
var active = struct {
	sync.Mutex
	ids map[string]bool
}{ids: make(map[string]bool)}

func acquire(id string) bool {
	active.Lock()
	defer active.Unlock()
	if active.ids[id] {
		return false
	}
	active.ids[id] = true
	return true
}

func release(id string) {
	active.Lock()
	defer active.Unlock()
	delete(active.ids, id)
}
