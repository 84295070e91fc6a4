// Package manifest persists, per stripe, the set of SSTables constituting
// the stripe's valid state plus the last durably flushed LSN. The manifest
// file is replaced atomically, so a crash between an SST write and the
// manifest update leaves the old state intact; an SSTable not referenced by
// the manifest does not exist as far as recovery is concerned.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/stripedb/stripedb/internal/model"
)

// FileName is the manifest file name inside a stripe directory.
const FileName = "MANIFEST"

// State is the durable description of one stripe.
type State struct {
	Stripe         model.StripeID           `json:"stripe"`
	LastFlushedLSN model.LSN                `json:"last_flushed_lsn"`
	SSTables       []*model.SSTableMetadata `json:"sstables"` // oldest first
	UpdatedAt      time.Time                `json:"updated_at"`
}

// Load reads the stripe's manifest. A missing file yields an empty state:
// a fresh stripe with no flushed tables.
func Load(dir string, stripe model.StripeID) (*State, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &State{Stripe: stripe}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &st, nil
}

// Save atomically replaces the stripe's manifest: the new state is written
// to a temporary file, synced, and renamed over the old one.
func (s *State) Save(dir string) error {
	s.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	path := filepath.Join(dir, FileName)
	tmpPath := path + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create manifest file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync manifest: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close manifest: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to commit manifest: %w", err)
	}

	// Persist the rename itself.
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

// Clone returns a deep-enough copy for building a replacement state without
// mutating the published one.
func (s *State) Clone() *State {
	tables := make([]*model.SSTableMetadata, len(s.SSTables))
	copy(tables, s.SSTables)
	return &State{
		Stripe:         s.Stripe,
		LastFlushedLSN: s.LastFlushedLSN,
		SSTables:       tables,
		UpdatedAt:      s.UpdatedAt,
	}
}
