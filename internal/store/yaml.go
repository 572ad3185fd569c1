package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// YAMLStore keeps a namespace in a single YAML document.
type YAMLStore struct {
	log       logrus.FieldLogger
	path      string
	namespace string

	mu     sync.RWMutex
	values map[string]any
}

var _ Store = (*YAMLStore)(nil)

// LoadYAML reads path, filling keys it lacks from defaults. A missing
// file yields the defaults alone.
func LoadYAML(
	log logrus.FieldLogger,
	path string,
	namespace string,
	defaults map[string]any,
) (*YAMLStore, error) {
	s := &YAMLStore{
		log: log.WithFields(logrus.Fields{
			"component": "store",
			"namespace": namespace,
		}),
		path:      path,
		namespace: namespace,
		values:    copyMap(defaults),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		s.log.WithField("path", path).Debug("No saved config, using defaults")

		return s, nil
	}

	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var saved map[string]any
	if err := yaml.Unmarshal(data, &saved); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	for k, v := range saved {
		s.values[k] = v
	}

	s.log.WithField("path", path).Debug("Loaded config")

	return s, nil
}

func (s *YAMLStore) Namespace() string { return s.namespace }

func (s *YAMLStore) Get(key string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.values[key]
}

func (s *YAMLStore) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = value
}

func (s *YAMLStore) Config() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return copyMap(s.values)
}

// Save rewrites the file atomically.
func (s *YAMLStore) Save() error {
	s.mu.RLock()
	data, err := yaml.Marshal(s.values)
	s.mu.RUnlock()

	if err != nil {
		return fmt.Errorf("encoding %s: %w", s.namespace, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing %s: %w", s.path, err)
	}

	return nil
}

func (s *YAMLStore) Close() error { return nil }
