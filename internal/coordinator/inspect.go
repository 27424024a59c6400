package coordinator

import "sort"

// EntryInfo is a point-in-time copy of one document's coordinator state.
type EntryInfo struct {
	DocID   string
	Active  Token
	Pending []Token
}

// IsActive reports whether a computation is in flight.
func (e EntryInfo) IsActive() bool {
	return e.Active != ""
}

// Entry returns the state for docID. ok is false when the document has no
// entry, which means it is idle with no pending subscribers.
func (r *Registry) Entry(docID string) (info EntryInfo, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[docID]
	if !ok {
		return EntryInfo{}, false
	}
	return infoOf(e), true
}

// Entries returns the state of every entry, ordered by document id.
func (r *Registry) Entries() []EntryInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EntryInfo, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, infoOf(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocID < out[j].DocID })
	return out
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func infoOf(e *entry) EntryInfo {
	info := EntryInfo{DocID: e.docID, Pending: e.pending.Tokens()}
	if e.active != nil {
		info.Active = e.active.token
	}
	return info
}
