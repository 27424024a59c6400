package doc

import "sync"

type listenerEntry struct {
	id uint64
	fn Listener
}

// notifier delivers change notifications in FIFO order.
//
// The first publisher drains the queue. A write made from inside a
// listener only enqueues, so listeners never run re-entrantly and every
// listener sees notifications in commit order.
type notifier struct {
	store *Store

	mu        sync.Mutex
	pending   []*Document
	draining  bool
	nextID    uint64
	listeners map[string][]listenerEntry
}

func newNotifier(s *Store) *notifier {
	return &notifier{
		store:     s,
		pending:   make([]*Document, 0, 16),
		listeners: make(map[string][]listenerEntry),
	}
}

func (n *notifier) add(docID string, fn Listener) func() {
	n.mu.Lock()
	n.nextID++
	id := n.nextID
	n.listeners[docID] = append(n.listeners[docID], listenerEntry{id: id, fn: fn})
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { n.remove(docID, id) })
	}
}

func (n *notifier) remove(docID string, id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	entries := n.listeners[docID]
	for i, e := range entries {
		if e.id == id {
			n.listeners[docID] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(n.listeners[docID]) == 0 {
		delete(n.listeners, docID)
	}
}

func (n *notifier) registered(docID string, id uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, e := range n.listeners[docID] {
		if e.id == id {
			return true
		}
	}
	return false
}

// publish enqueues d and every document referencing it, then drains the
// queue unless a drain is already in progress.
func (n *notifier) publish(d *Document) {
	n.store.mu.Lock()
	affected := n.store.affectedLocked(d)
	n.store.mu.Unlock()

	n.mu.Lock()
	n.pending = append(n.pending, affected...)
	if n.draining {
		n.mu.Unlock()
		return
	}
	n.draining = true
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		n.draining = false
		n.mu.Unlock()
	}()

	for {
		target, ok := n.dequeue()
		if !ok {
			return
		}
		n.deliver(target)
	}
}

func (n *notifier) dequeue() (*Document, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.pending) == 0 {
		return nil, false
	}
	d := n.pending[0]
	n.pending[0] = nil
	if len(n.pending) == 1 {
		n.pending = n.pending[:0]
	} else {
		n.pending = n.pending[1:]
	}
	return d, true
}

func (n *notifier) deliver(d *Document) {
	n.mu.Lock()
	snapshot := make([]listenerEntry, len(n.listeners[d.id]))
	copy(snapshot, n.listeners[d.id])
	n.mu.Unlock()

	for _, e := range snapshot {
		// An earlier listener in this round may have unsubscribed it.
		if !n.registered(d.id, e.id) {
			continue
		}
		e.fn(d)
	}
}
