// Package storage provides the optional persistence layer.
//
// It currently supports:
//   - Dedup state (so restarts don't re-send recent notifications; best-effort)
//   - A journal of outbound send outcomes (operator forensics)
package storage
