package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"
)

// BoltStore keeps a namespace as one bbolt bucket. Each key holds a
// zstd-compressed JSON value.
type BoltStore struct {
	log       logrus.FieldLogger
	db        *bbolt.DB
	namespace string
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder

	mu     sync.RWMutex
	values map[string]any
}

var _ Store = (*BoltStore)(nil)

// OpenBolt opens (creating if needed) the database at path and loads the
// namespace bucket over defaults.
func OpenBolt(
	log logrus.FieldLogger,
	path string,
	namespace string,
	defaults map[string]any,
) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating store dir: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()

		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		db.Close()

		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	s := &BoltStore{
		log: log.WithFields(logrus.Fields{
			"component": "store",
			"namespace": namespace,
		}),
		db:        db,
		namespace: namespace,
		encoder:   encoder,
		decoder:   decoder,
		values:    copyMap(defaults),
	}

	if err := s.load(); err != nil {
		s.Close()

		return nil, err
	}

	return s, nil
}

func (s *BoltStore) load() error {
	loaded := 0

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(s.namespace))
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			raw, err := s.decoder.DecodeAll(v, nil)
			if err != nil {
				return fmt.Errorf("decompressing %s: %w", k, err)
			}

			dec := json.NewDecoder(bytes.NewReader(raw))
			dec.UseNumber()

			var value any
			if err := dec.Decode(&value); err != nil {
				return fmt.Errorf("decoding %s: %w", k, err)
			}

			s.values[string(k)] = value
			loaded++

			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("loading %s: %w", s.namespace, err)
	}

	s.log.WithField("keys", loaded).Debug("Loaded store")

	return nil
}

func (s *BoltStore) Namespace() string { return s.namespace }

func (s *BoltStore) Get(key string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.values[key]
}

func (s *BoltStore) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = value
}

func (s *BoltStore) Config() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return copyMap(s.values)
}

// Save writes every key in a single transaction.
func (s *BoltStore) Save() error {
	s.mu.RLock()
	encoded := make(map[string][]byte, len(s.values))

	for k, v := range s.values {
		data, err := json.Marshal(v)
		if err != nil {
			s.mu.RUnlock()

			return fmt.Errorf("encoding %s: %w", k, err)
		}

		encoded[k] = s.encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	}
	s.mu.RUnlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(s.namespace))
		if err != nil {
			return err
		}

		for k, v := range encoded {
			if err := b.Put([]byte(k), v); err != nil {
				return fmt.Errorf("writing %s: %w", k, err)
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("saving %s: %w", s.namespace, err)
	}

	return nil
}

// Close closes the database. It is safe to call more than once.
func (s *BoltStore) Close() error {
	if s.decoder != nil {
		s.decoder.Close()
		s.decoder = nil
	}

	if s.encoder != nil {
		s.encoder.Close()
		s.encoder = nil
	}

	if s.db == nil {
		return nil
	}

	err := s.db.Close()
	s.db = nil

	return err
}
