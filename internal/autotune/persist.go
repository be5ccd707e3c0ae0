package autotune

import (
	"encoding/json"
	"io"
	"os"
	"time"
)

// cacheFileVersion guards the on-disk format.
const cacheFileVersion = 1

type persistedEntry struct {
	Winner     int       `json:"winner"`
	Candidates int       `json:"candidates"`
	MedianSec  float64   `json:"median_sec"`
	Created    time.Time `json:"created"`
}

type cacheFile struct {
	Version int                       `json:"version"`
	Entries map[string]persistedEntry `json:"entries"`
}

// Save writes every resolved entry. In-flight (benchmarking) entries are
// skipped: only resolved winners are worth persisting.
func (t *Tuner) Save(w io.Writer) error {
	file := cacheFile{Version: cacheFileVersion, Entries: make(map[string]persistedEntry)}

	t.mu.Lock()
	for k, e := range t.entries {
		if !e.resolved {
			continue
		}
		file.Entries[k] = persistedEntry{
			Winner:     e.winner,
			Candidates: e.candidates,
			MedianSec:  e.medianSec,
			Created:    e.created,
		}
	}
	t.mu.Unlock()

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(file)
}

// Load merges persisted entries into the tuner as resolved. A corrupt or
// version-mismatched stream loads nothing: unknown entries simply start
// unresolved, never fatal.
func (t *Tuner) Load(r io.Reader) int {
	var file cacheFile
	if err := json.NewDecoder(r).Decode(&file); err != nil {
		return 0
	}
	if file.Version != cacheFileVersion {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	loaded := 0
	for k, pe := range file.Entries {
		if pe.Winner < 0 || pe.Winner >= pe.Candidates {
			continue // corrupt entry, treat as unresolved
		}
		if _, exists := t.entries[k]; exists {
			continue
		}
		done := make(chan struct{})
		close(done)
		t.entries[k] = &entry{
			winner:     pe.Winner,
			candidates: pe.Candidates,
			medianSec:  pe.MedianSec,
			created:    pe.Created,
			resolved:   true,
			done:       done,
		}
		loaded++
	}
	return loaded
}

// SaveFile persists the cache to path.
func (t *Tuner) SaveFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return t.Save(f)
}

// LoadFile loads a persisted cache. A missing file is not an error.
func (t *Tuner) LoadFile(path string) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()
	return t.Load(f)
}
