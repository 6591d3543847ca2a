package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"blelink/internal/light"
)

var (
	bucketPreferences = []byte("preferences")
	bucketPresets     = []byte("presets")
	keyPreferences    = []byte("current")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database. A fresh presets
// bucket is seeded with the default palette.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketPreferences, bucketPresets} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		b := tx.Bucket(bucketPresets)
		if b.Stats().KeyN > 0 {
			return nil
		}
		for _, p := range light.DefaultPresets() {
			data, err := json.Marshal(p)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(presetKey(p.Name)), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func presetKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (s *BoltStore) SavePreferences(p light.Preferences) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPreferences)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketPreferences)
		}
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put(keyPreferences, data)
	})
}

func (s *BoltStore) GetPreferences() (light.Preferences, error) {
	var p light.Preferences
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPreferences)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketPreferences)
		}
		data := b.Get(keyPreferences)
		if data == nil {
			return fmt.Errorf("preferences: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return light.Preferences{}, err
	}
	return p.Normalize(), nil
}

func (s *BoltStore) SavePreset(p light.Preset) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("preset name is empty")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPresets)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketPresets)
		}
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put([]byte(presetKey(p.Name)), data)
	})
}

func (s *BoltStore) GetPreset(name string) (light.Preset, error) {
	var p light.Preset
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPresets)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketPresets)
		}
		data := b.Get([]byte(presetKey(name)))
		if data == nil {
			return fmt.Errorf("preset %s: %w", name, ErrNotFound)
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return light.Preset{}, err
	}
	return p, nil
}

// DeletePreset removes a preset, reporting ErrNotFound for unknown names
// so the API layer can distinguish a miss from a delete.
func (s *BoltStore) DeletePreset(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPresets)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketPresets)
		}
		key := []byte(presetKey(name))
		if b.Get(key) == nil {
			return fmt.Errorf("preset %s: %w", name, ErrNotFound)
		}
		return b.Delete(key)
	})
}

func (s *BoltStore) ListPresets() ([]light.Preset, error) {
	var presets []light.Preset
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPresets)
		if b == nil {
			return nil // no bucket = no presets
		}
		presets = make([]light.Preset, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var p light.Preset
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			presets = append(presets, p)
			return nil
		})
	})
	return presets, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
