// Package wasmtask runs task slices inside Extism WASM modules. A task
// module exports a single "run" function that executes one slice: it either
// finishes, or requests one external call and hands back its own serialized
// state to be replayed later. The engine treats that state as opaque bytes.
package wasmtask

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	extism "github.com/extism/go-sdk"
)

// Capabilities is the deny-by-default sandbox grant for a task module.
type Capabilities struct {
	AllowedHosts []string          `json:"allowed_hosts,omitempty"`
	AllowedPaths map[string]string `json:"allowed_paths,omitempty"`
	MaxPages     uint32            `json:"max_pages,omitempty"`
	TimeoutMs    uint64            `json:"timeout_ms,omitempty"`
}

// Manifest describes one installable task module.
type Manifest struct {
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	WasmPath     string            `json:"wasm_path"`
	Config       map[string]string `json:"config,omitempty"`
	Capabilities Capabilities      `json:"capabilities,omitempty"`
}

// LoadManifest reads a task manifest from a JSON file. A relative wasm_path
// resolves against the manifest's directory.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wasmtask: read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("wasmtask: parse manifest %s: %w", path, err)
	}
	if m.Name == "" {
		return nil, fmt.Errorf("wasmtask: manifest %s missing name", path)
	}
	if m.WasmPath == "" {
		return nil, fmt.Errorf("wasmtask: manifest %s missing wasm_path", path)
	}
	if !filepath.IsAbs(m.WasmPath) {
		m.WasmPath = filepath.Join(filepath.Dir(path), m.WasmPath)
	}
	return &m, nil
}

// buildExtismManifest maps a task manifest onto the Extism sandbox config.
func buildExtismManifest(m *Manifest) extism.Manifest {
	em := extism.Manifest{
		Wasm: []extism.Wasm{
			extism.WasmFile{Path: m.WasmPath},
		},
		Config: m.Config,
	}

	caps := m.Capabilities
	if len(caps.AllowedHosts) > 0 {
		em.AllowedHosts = caps.AllowedHosts
	}
	if len(caps.AllowedPaths) > 0 {
		em.AllowedPaths = caps.AllowedPaths
	}
	if caps.MaxPages > 0 {
		em.Memory = &extism.ManifestMemory{MaxPages: caps.MaxPages}
	}
	if caps.TimeoutMs > 0 {
		em.Timeout = caps.TimeoutMs
	}
	return em
}
