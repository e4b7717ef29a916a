// Package store persists coordinator state across restarts: the snapshot
// cache, the known-device set and the failure-tracking map. Files are written
// atomically (temp file + rename) and wrapped in a CRC16 checksum envelope so
// a torn or corrupted file is detected and discarded on load instead of
// poisoning the next run's view.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sigurn/crc16"

	"github.com/sunwatch/go-pvs/internal/domain"
)

// CRC16/MODBUS parameters.
const (
	crcPolynomial = 0x8005
	crcInitial    = 0xFFFF
)

// snapshotFile is the cache entry's file name inside the state directory.
const snapshotFile = "cache.json"

// envelope wraps a state payload with its checksum.
type envelope struct {
	Checksum string          `json:"crc16"`
	Payload  json.RawMessage `json:"payload"`
}

// Store reads and writes state files under one directory.
type Store struct {
	dir      string
	crcTable *crc16.Table
	logger   zerolog.Logger
}

// New creates a store rooted at dir, creating the directory if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	table := crc16.MakeTable(crc16.Params{
		Poly:   crcPolynomial,
		Init:   crcInitial,
		RefIn:  true,
		RefOut: true,
		XorOut: 0,
	})

	return &Store{
		dir:      dir,
		crcTable: table,
		logger:   log.With().Str("component", "store").Logger(),
	}, nil
}

// Save marshals v into a checksummed envelope and writes it atomically.
func (s *Store) Save(name string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}

	crc := crc16.Checksum(payload, s.crcTable)
	data, err := json.Marshal(envelope{
		Checksum: fmt.Sprintf("%04x", crc),
		Payload:  payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal envelope for %s: %w", name, err)
	}

	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to commit %s: %w", name, err)
	}
	return nil
}

// Load reads a state file into v. A missing file is not an error and returns
// found=false; a corrupt file (bad JSON or checksum mismatch) returns an
// error so the caller can decide to start fresh.
func (s *Store) Load(name string, v interface{}) (bool, error) {
	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read %s: %w", name, err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return false, fmt.Errorf("corrupt envelope in %s: %w", name, err)
	}

	crc := crc16.Checksum(env.Payload, s.crcTable)
	if expected := fmt.Sprintf("%04x", crc); expected != env.Checksum {
		return false, fmt.Errorf("checksum mismatch in %s: stored %s, computed %s", name, env.Checksum, expected)
	}

	if err := json.Unmarshal(env.Payload, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", name, err)
	}
	return true, nil
}

// SaveSnapshot persists the cache entry.
func (s *Store) SaveSnapshot(snap *domain.Snapshot) error {
	return s.Save(snapshotFile, snap)
}

// LoadSnapshot reads the cache entry. A corrupt cache is logged and treated
// as absent: serving no cache beats serving garbage.
func (s *Store) LoadSnapshot() (*domain.Snapshot, bool) {
	var snap domain.Snapshot
	found, err := s.Load(snapshotFile, &snap)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Discarding unreadable snapshot cache")
		return nil, false
	}
	if !found {
		return nil, false
	}
	return &snap, true
}
