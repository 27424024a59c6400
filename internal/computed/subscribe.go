package computed

import (
	"sort"
	"sync"

	"github.com/roach88/derive/internal/coordinator"
	"github.com/roach88/derive/internal/doc"
	"github.com/roach88/derive/internal/freshness"
	"github.com/roach88/derive/internal/ir"
)

// Update is delivered to subscribers on every change.
type Update struct {
	Object     *Object
	Fields     ir.Object
	State      freshness.Phase
	IsComputed bool

	// Tx is the highest transaction index on the document itself.
	Tx uint64
}

// Subscribe delivers the current state to listener, then again after
// every change to the document or to a document it references. It keeps a
// coordinator token registered for the document and for every computed
// descendant reachable through declared child fields.
//
// The returned function unsubscribes; calling it again is a no-op.
func (o *Object) Subscribe(listener func(Update)) (unsubscribe func()) {
	s := &subscription{
		obj:      o,
		token:    o.rt.tokens.Generate(),
		listener: listener,
		children: make(map[string]*doc.Document),
	}
	s.unlisten = o.doc.OnChange(func(*doc.Document) { s.changed() })

	o.rt.logger.Debug("subscribed", "doc", o.ID(), "token", s.token)
	s.deliver()
	s.assert()

	var once sync.Once
	return func() { once.Do(s.close) }
}

type subscription struct {
	obj      *Object
	token    coordinator.Token
	listener func(Update)
	unlisten func()

	mu       sync.Mutex
	closed   bool
	children map[string]*doc.Document
}

func (s *subscription) changed() {
	if s.isClosed() {
		return
	}
	s.assert()
	s.deliver()
}

func (s *subscription) deliver() {
	if s.isClosed() {
		return
	}
	o := s.obj
	s.listener(Update{
		Object:     o,
		Fields:     o.Fields(),
		State:      o.State(),
		IsComputed: o.IsComputed(),
		Tx:         o.doc.LastTx(),
	})
}

// assert re-registers the token on the document and reconciles the set of
// computed descendants. Both registrations are idempotent.
//
// A close that races with assert wins: anything registered after close
// started is withdrawn again.
func (s *subscription) assert() {
	rt := s.obj.rt
	rt.addToken(s.token, s.obj.doc)
	if s.isClosed() {
		rt.removeToken(s.token, s.obj.doc)
		return
	}

	want := computedDescendants(rt, s.obj.doc)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		rt.removeToken(s.token, s.obj.doc)
		return
	}
	var added, removed []*doc.Document
	for id, d := range want {
		if _, ok := s.children[id]; !ok {
			added = append(added, d)
		}
	}
	for id, d := range s.children {
		if _, ok := want[id]; !ok {
			removed = append(removed, d)
		}
	}
	s.children = want
	s.mu.Unlock()

	sortDocs(removed)
	sortDocs(added)
	for _, d := range removed {
		rt.removeToken(s.token, d)
	}
	for _, d := range added {
		rt.addToken(s.token, d)
	}
	if s.isClosed() {
		for _, d := range added {
			rt.removeToken(s.token, d)
		}
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	s.closed = true
	children := make([]*doc.Document, 0, len(s.children))
	for _, d := range s.children {
		children = append(children, d)
	}
	s.children = nil
	s.mu.Unlock()

	s.unlisten()
	rt := s.obj.rt
	rt.removeToken(s.token, s.obj.doc)
	sortDocs(children)
	for _, d := range children {
		rt.removeToken(s.token, d)
	}
	rt.logger.Debug("unsubscribed", "doc", s.obj.ID(), "token", s.token)
}

func (s *subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// computedDescendants returns every document reachable from root through
// declared child fields whose kind has a computation function. root itself
// is excluded.
func computedDescendants(rt *Runtime, root *doc.Document) map[string]*doc.Document {
	out := make(map[string]*doc.Document)
	visited := map[string]bool{root.ID(): true}
	var visit func(d *doc.Document)
	visit = func(d *doc.Document) {
		for _, field := range d.Type().ChildFields() {
			child, ok := d.Child(field)
			if !ok || visited[child.ID()] {
				continue
			}
			visited[child.ID()] = true
			if _, computing := rt.Coordinator(child.Type().Name); computing {
				out[child.ID()] = child
			}
			visit(child)
		}
	}
	visit(root)
	return out
}

func sortDocs(docs []*doc.Document) {
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID() < docs[j].ID() })
}
