package verify

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// OpenFlakyStore loads (or initializes) a FlakyStore backed by the JSON
// file at path: a single JSON document, read once here and re-written
// whole by each Save call.
func OpenFlakyStore(path string) (*FlakyStore, error) {
	s := &FlakyStore{path: path, entries: make(map[string]*FlakyEntry)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}

	var doc struct {
		Tests map[string]*FlakyEntry `json:"tests"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		// Tolerant fallback: a corrupt file starts fresh rather than
		// blocking gate execution.
		return s, nil
	}
	for name, e := range doc.Tests {
		e.Name = name
		s.entries[name] = e
	}
	return s, nil
}

// Save persists the store's current entries to its backing file.
func (s *FlakyStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	doc := struct {
		Tests map[string]*FlakyEntry `json:"tests"`
	}{Tests: s.entries}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o644)
}
