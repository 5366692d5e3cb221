// Package store persists peers seen across runs in a local SQLite database.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"github.com/srg/peerlink/internal/device"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var ErrNotFound = errors.New("peer not found")

// KnownPeer is a peer remembered between runs.
type KnownPeer struct {
	Address       string     `gorm:"primaryKey" json:"address"`
	Name          string     `json:"name,omitempty"`
	Bonded        bool       `json:"bonded"`
	FirstSeen     time.Time  `json:"first_seen"`
	LastSeen      time.Time  `json:"last_seen"`
	Sightings     int        `json:"sightings"`
	Connections   int        `json:"connections"`
	LastConnected *time.Time `json:"last_connected,omitempty"`
}

// Peer converts the record back to a PeerDevice.
func (k KnownPeer) Peer() device.PeerDevice {
	return device.PeerDevice{Address: k.Address, Name: k.Name, Bonded: k.Bonded}
}

type Store struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// Open opens (creating if needed) the database at path and migrates the schema.
func Open(path string, logger *logrus.Logger) (*Store, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", path, err)
	}
	if err := db.AutoMigrate(&KnownPeer{}); err != nil {
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}

	logger.WithField("path", path).Debug("Known peer store opened")
	return &Store{db: db, logger: logger}, nil
}

// Record notes a sighting of p at seen. The stored name only changes to a
// non-empty one, and the bonded flag is sticky.
func (s *Store) Record(p device.PeerDevice, seen time.Time) error {
	addr := device.NormalizeAddress(p.Address)
	if addr == "" {
		return fmt.Errorf("record peer: empty address")
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		var k KnownPeer
		err := tx.First(&k, "address = ?", addr).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			k = KnownPeer{
				Address:   addr,
				Name:      p.Name,
				Bonded:    p.Bonded,
				FirstSeen: seen,
				LastSeen:  seen,
				Sightings: 1,
			}
			return tx.Create(&k).Error
		case err != nil:
			return err
		}

		if p.Name != "" {
			k.Name = p.Name
		}
		k.Bonded = k.Bonded || p.Bonded
		if seen.After(k.LastSeen) {
			k.LastSeen = seen
		}
		k.Sightings++
		return tx.Save(&k).Error
	})
}

// MarkConnected counts a successful connection to address.
func (s *Store) MarkConnected(address string, at time.Time) error {
	addr := device.NormalizeAddress(address)
	res := s.db.Model(&KnownPeer{}).Where("address = ?", addr).Updates(map[string]any{
		"connections":    gorm.Expr("connections + ?", 1),
		"last_connected": at,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	return nil
}

func (s *Store) Get(address string) (KnownPeer, error) {
	var k KnownPeer
	err := s.db.First(&k, "address = ?", device.NormalizeAddress(address)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return KnownPeer{}, fmt.Errorf("%w: %s", ErrNotFound, address)
	}
	return k, err
}

// Peers returns every known peer, most recently seen first.
func (s *Store) Peers() ([]KnownPeer, error) {
	var peers []KnownPeer
	if err := s.db.Order("last_seen desc").Order("address").Find(&peers).Error; err != nil {
		return nil, err
	}
	return peers, nil
}

// Forget deletes address from the store.
func (s *Store) Forget(address string) error {
	res := s.db.Delete(&KnownPeer{}, "address = ?", device.NormalizeAddress(address))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, address)
	}
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
