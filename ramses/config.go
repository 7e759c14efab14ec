package ramses

import (
	"encoding/json"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the engine's runtime behaviour knobs, loaded from a YAML file
// the way the teacher's main.go loads its own config (spec.md §4.L).
//
// Of the behaviour flags, only EnforceKnownList changes what the engine does
// (see NewGateway). EnableEavesdrop, DisableDiscovery, DisableSending and
// ReduceProcessing are loaded and saved with the file, but nothing in the
// engine consults them.
type Config struct {
	EnableEavesdrop  bool `yaml:"enable_eavesdrop"`
	EnforceKnownList bool `yaml:"enforce_known_list"`
	DisableDiscovery bool `yaml:"disable_discovery"`
	DisableSending   bool `yaml:"disable_sending"`
	ReduceProcessing bool `yaml:"reduce_processing"`

	KnownDevices []KnownDevice `yaml:"known_devices"`

	// node is the document LoadConfig parsed. Save re-encodes the whole
	// struct into it, so the loaded file's comments and any keys Config does
	// not know are not kept.
	node *yaml.Node
}

// KnownDevice is one entry of the operator-maintained allow-list consulted
// when EnforceKnownList is set.
type KnownDevice struct {
	ID    string `yaml:"id"`
	Slug  string `yaml:"slug,omitempty"`
	Alias string `yaml:"alias,omitempty"`
}

// DefaultConfig returns the engine's out-of-the-box behaviour: nothing
// suppressed, nothing enforced.
func DefaultConfig() Config {
	return Config{}
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, wrapf(err, "reading config %s", path)
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return Config{}, wrapf(err, "parsing config %s", path)
	}
	var cfg Config
	if err := node.Decode(&cfg); err != nil {
		return Config{}, wrapf(err, "decoding config %s", path)
	}
	cfg.node = &node
	return cfg, nil
}

// Save writes cfg back to path, via a temp-file-then-rename so a crash
// mid-write never leaves a half-written config on disk. The file is written
// from the struct's fields alone: comments and unknown keys of a loaded file
// are dropped.
func (c Config) Save(path string) error {
	var out []byte
	var err error
	if c.node != nil {
		if err := c.node.Encode(&c); err != nil {
			return wrapf(err, "re-encoding config")
		}
		out, err = yaml.Marshal(c.node)
	} else {
		out, err = yaml.Marshal(c)
	}
	if err != nil {
		return wrapf(err, "marshalling config")
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".config-*.yaml.tmp")
	if err != nil {
		return wrapf(err, "creating temp config file")
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return wrapf(err, "writing temp config file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return wrapf(err, "closing temp config file")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return wrapf(err, "renaming temp config file into place")
	}
	return nil
}

// IsKnown reports whether addr appears on the known-devices list.
func (c Config) IsKnown(addr Address) bool {
	for _, d := range c.KnownDevices {
		if d.ID == addr.String() {
			return true
		}
	}
	return false
}

// PersistedState is the on-disk snapshot of engine state: the packet log
// schema version, the most-recently-seen packets (for replay/warm-start),
// and the known-device list, serialised as JSON because that's what the
// wire and the rest of the ecosystem already speak — no YAML round-trip
// concerns apply to a machine-written/machine-read file (spec.md §4.L).
type PersistedState struct {
	Schema      int           `json:"schema"`
	Packets     []string      `json:"packets"`
	KnownDevices []KnownDevice `json:"known_devices"`
}

const persistedStateSchema = 1

// SavePersistedState writes state as JSON to path.
func SavePersistedState(path string, packets []string, known []KnownDevice) error {
	state := PersistedState{Schema: persistedStateSchema, Packets: packets, KnownDevices: known}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return wrapf(err, "marshalling persisted state")
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadPersistedState reads a previously-saved state document.
func LoadPersistedState(path string) (PersistedState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PersistedState{}, wrapf(err, "reading persisted state %s", path)
	}
	var state PersistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return PersistedState{}, wrapf(err, "parsing persisted state %s", path)
	}
	return state, nil
}
