package index

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// indexVersion changes whenever the on-disk layout does; a mismatch
// forces a rebuild instead of a misread.
const indexVersion = "1"

// Manifest describes a persisted index so loads can verify they are
// reading what was written.
type Manifest struct {
	Version        string    `json:"version"`
	EmbeddingModel string    `json:"embedding_model"`
	VectorChecksum string    `json:"vector_checksum"`
	ChunkCount     int       `json:"chunk_count"`
	ParentCount    int       `json:"parent_count"`
	BuiltAt        time.Time `json:"built_at"`
}

func manifestPath(dir string) string { return filepath.Join(dir, "manifest.json") }

func loadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(manifestPath(dir))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) save(dir string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := manifestPath(dir) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, manifestPath(dir))
}

// writeJSONAtomic is the shared temp-then-rename writer for the JSON
// tables that sit next to the manifest.
func writeJSONAtomic(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
