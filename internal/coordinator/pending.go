package coordinator

import "github.com/roach88/derive/internal/doc"

type pendingItem struct {
	token Token
	doc   *doc.Document
}

// pendingSet is an insertion-ordered set of subscriber tokens.
//
// Re-adding a queued token keeps its position and refreshes its document.
// Not safe for concurrent use; owned by the registry drain loop.
type pendingSet struct {
	items []pendingItem
}

// Add inserts tok at the back. Returns false if tok was already queued.
func (p *pendingSet) Add(tok Token, d *doc.Document) bool {
	for i := range p.items {
		if p.items[i].token == tok {
			p.items[i].doc = d
			return false
		}
	}
	p.items = append(p.items, pendingItem{token: tok, doc: d})
	return true
}

// Remove deletes tok. Returns false if it was not queued.
func (p *pendingSet) Remove(tok Token) bool {
	for i := range p.items {
		if p.items[i].token == tok {
			copy(p.items[i:], p.items[i+1:])
			p.items[len(p.items)-1] = pendingItem{}
			p.items = p.items[:len(p.items)-1]
			return true
		}
	}
	return false
}

// Pop removes and returns the oldest token.
func (p *pendingSet) Pop() (Token, *doc.Document, bool) {
	if len(p.items) == 0 {
		return "", nil, false
	}
	head := p.items[0]

	// Nil out the slot so the document can be collected.
	p.items[0] = pendingItem{}
	if len(p.items) == 1 {
		p.items = p.items[:0]
	} else {
		p.items = p.items[1:]
	}
	return head.token, head.doc, true
}

// Len returns the number of queued tokens.
func (p *pendingSet) Len() int {
	return len(p.items)
}

// Tokens returns the queued tokens in order.
func (p *pendingSet) Tokens() []Token {
	out := make([]Token, len(p.items))
	for i, it := range p.items {
		out[i] = it.token
	}
	return out
}
