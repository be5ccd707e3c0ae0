// Package autotune selects the fastest candidate kernel for an
// (operation family, shape bucket, device) key by online benchmarking,
// caching the winner for the process lifetime and optionally across runs.
package autotune
