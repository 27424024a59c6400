// Package doc is the versioned document store the derive runtime sits on.
//
// A Document owns an append-only edit log per field. Every committed batch
// of field writes is stamped with one transaction index from the store's
// logical Clock, so all fields written together share an index and later
// batches always carry larger indexes.
//
// # Critical Patterns
//
// Logical Time:
//   - TxIndex is the ONLY ordering primitive; MadeAt is for display
//   - AtTime(tx) views filter by TxIndex, never by wall clock
//
// Single-Threaded Delivery:
//   - Change notifications go through one FIFO per store
//   - Whoever publishes first drains the queue; writes made from inside a
//     listener enqueue instead of recursing
//   - A change to a child document is also delivered to every document
//     that references it, so deep subscribers observe nested edits
//
// Persistence:
//   - Optional Persister receives every document creation and batch before
//     the batch becomes visible; Rebuild restores a store from persisted
//     records and resumes the clock after the highest index
package doc
