// Package ir provides the value types stored in document fields.
//
// This package contains type definitions and their JSON encodings only.
// Every other internal package imports ir; ir imports nothing internal.
//
// Key design constraints:
//   - NO float types anywhere - use Int for numbers (floats break
//     byte-for-byte comparison of stored edits and golden traces)
//   - Child documents are referenced by Ref, never embedded
//   - Canonical JSON (RFC 8785 key order, NFC strings) is the only
//     encoding used for persisted edits
package ir
