// Package dispatch owns the per-device submission stream: in-order kernel
// launches, per-buffer completion fences, fault isolation, and a
// fence-aware buffer pool. Submissions return immediately; Sync blocks
// until the stream drains and surfaces faults raised since the last sync.
package dispatch
