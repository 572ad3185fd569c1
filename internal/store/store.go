// Package store provides namespaced key-value configuration stores that
// are loaded with defaults and saved explicitly.
package store

import (
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"strconv"

	"github.com/sirupsen/logrus"
)

// Backend names.
const (
	BackendYAML = "yaml"
	BackendBolt = "bolt"
)

// Config selects and locates a store backend.
type Config struct {
	// Backend is either "yaml" or "bolt".
	Backend string `yaml:"backend"`

	// Path is the backing file. Relative paths are resolved against the
	// agent data directory.
	Path string `yaml:"path"`
}

// Validate checks the backend name and path.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendYAML, BackendBolt:
	default:
		return fmt.Errorf("unknown store backend %q", c.Backend)
	}

	if c.Path == "" {
		return fmt.Errorf("store path is required")
	}

	return nil
}

// Store is a mutable key-value mapping persisted on Save.
type Store interface {
	// Namespace names the store for logging.
	Namespace() string
	// Get returns the value for key, or nil when unset.
	Get(key string) any
	// Set replaces the value for key in memory.
	Set(key string, value any)
	// Config returns a shallow copy of every key.
	Config() map[string]any
	// Save writes the current mapping to durable storage.
	Save() error
	// Close releases the backing resources.
	Close() error
}

// Open opens the backend selected by cfg. Keys missing from storage take
// their value from defaults.
func Open(
	log logrus.FieldLogger,
	cfg Config,
	dataDir string,
	namespace string,
	defaults map[string]any,
) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s store: %w", namespace, err)
	}

	path := cfg.Path
	if !filepath.IsAbs(path) && dataDir != "" {
		path = filepath.Join(dataDir, path)
	}

	switch cfg.Backend {
	case BackendBolt:
		return OpenBolt(log, path, namespace, defaults)
	default:
		return LoadYAML(log, path, namespace, defaults)
	}
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}

	return out
}

// Int64 reads key as an integer. Missing or non-numeric values read as 0.
func Int64(st Store, key string) int64 {
	n, _ := ToInt64(st.Get(key))

	return n
}

// Int reads key as an int. Missing or non-numeric values read as 0.
func Int(st Store, key string) int {
	return int(Int64(st, key))
}

// String reads key as a string. Missing values read as "".
func String(st Store, key string) string {
	switch v := st.Get(key).(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// Decode converts the value stored under key into dst by way of JSON.
// A missing key leaves dst untouched.
func Decode(st Store, key string, dst any) error {
	v := st.Get(key)
	if v == nil {
		return nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}

	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decoding %s: %w", key, err)
	}

	return nil
}

// ToInt64 converts the numeric types produced by the YAML and JSON
// decoders to int64.
func ToInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return math.MaxInt64, true
		}

		return int64(n), true
	case float32:
		return int64(n), true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}

		return int64(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}

		f, err := n.Float64()
		if err != nil {
			return 0, false
		}

		return int64(f), true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, false
		}

		return i, true
	default:
		return 0, false
	}
}
