package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/timshannon/bolthold"
	"go.etcd.io/bbolt"
)

// ErrDuplicateKey is returned when inserting a download whose
// (backend, backend id) pair is already tracked.
var ErrDuplicateKey = errors.New("download already tracked for backend key")

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("record not found")

// Database wraps the bolthold store
type Database struct {
	store *bolthold.Store
}

// NewDatabase creates a new database connection
func NewDatabase(path string) (*Database, error) {
	store, err := bolthold.Open(path, 0600, &bolthold.Options{
		Options: &bbolt.Options{
			Timeout: 1 * time.Second,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &Database{store: store}, nil
}

// Close closes the database connection
func (db *Database) Close() error {
	return db.store.Close()
}

// Download operations

// CreateDownload inserts a new download record. The unique constraint on
// BackendKey is the final arbiter against concurrent duplicate submissions;
// a violation is surfaced as ErrDuplicateKey.
func (db *Database) CreateDownload(d *Download) error {
	d.BackendKey = Key(d.Backend, d.BackendID)
	d.CreatedAt = time.Now()
	d.UpdatedAt = time.Now()

	err := db.store.Insert(bolthold.NextSequence(), d)
	if errors.Is(err, bolthold.ErrUniqueExists) {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, d.BackendKey)
	}
	return err
}

// UpdateDownload updates an existing download record
func (db *Database) UpdateDownload(d *Download) error {
	d.BackendKey = Key(d.Backend, d.BackendID)
	d.UpdatedAt = time.Now()
	return db.store.Update(d.ID, d)
}

// GetDownloadByID retrieves a download by ID
func (db *Database) GetDownloadByID(id uint64) (*Download, error) {
	var d Download
	if err := db.store.Get(id, &d); err != nil {
		if errors.Is(err, bolthold.ErrNotFound) {
			return nil, fmt.Errorf("%w: download %d", ErrNotFound, id)
		}
		return nil, err
	}
	return &d, nil
}

// GetAllDownloads retrieves every tracked download
func (db *Database) GetAllDownloads() ([]*Download, error) {
	var downloads []*Download
	err := db.store.Find(&downloads, nil)
	return downloads, err
}

// GetDownloadByBackendKey retrieves a download by its (backend, backend id) pair
func (db *Database) GetDownloadByBackendKey(backend, backendID string) (*Download, error) {
	var d Download
	err := db.store.FindOne(&d, bolthold.Where("BackendKey").Eq(Key(backend, backendID)))
	if errors.Is(err, bolthold.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, Key(backend, backendID))
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// GetDownloadsForTarget retrieves downloads covering a target association.
// A season pack for the same season covers an individual episode request.
func (db *Database) GetDownloadsForTarget(targetID string, season, episode *int) ([]*Download, error) {
	var downloads []*Download
	err := db.store.Find(&downloads, bolthold.Where("TargetID").Eq(targetID).Index("TargetID"))
	if err != nil {
		return nil, err
	}

	var matched []*Download
	for _, d := range downloads {
		if d.MatchesTarget(targetID, season, episode) {
			matched = append(matched, d)
		}
	}
	return matched, nil
}

// DeleteDownload deletes a download record by ID
func (db *Database) DeleteDownload(id uint64) error {
	return db.store.Delete(id, &Download{})
}

// Imported fingerprint operations

// CreateImported records the fingerprint of an imported download
func (db *Database) CreateImported(m *ImportedMedia) error {
	m.BackendKey = Key(m.Backend, m.BackendID)
	m.ImportedAt = time.Now()
	return db.store.Insert(bolthold.NextSequence(), m)
}

// IsImported reports whether a (backend, backend id) pair was already imported
func (db *Database) IsImported(backend, backendID string) (bool, error) {
	var m ImportedMedia
	err := db.store.FindOne(&m, bolthold.Where("BackendKey").Eq(Key(backend, backendID)).Index("BackendKey"))
	if errors.Is(err, bolthold.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// HasImportedTarget reports whether completed media already exists for a
// target association. Checked independently of Download records, since those
// are deleted on completion.
func (db *Database) HasImportedTarget(targetID string, season, episode *int) (bool, error) {
	var imported []*ImportedMedia
	err := db.store.Find(&imported, bolthold.Where("TargetID").Eq(targetID).Index("TargetID"))
	if err != nil {
		return false, err
	}

	for _, m := range imported {
		d := Download{
			TargetID:     m.TargetID,
			Season:       m.Season,
			Episode:      m.Episode,
			IsSeasonPack: m.IsSeasonPack,
		}
		if d.MatchesTarget(targetID, season, episode) {
			return true, nil
		}
	}
	return false, nil
}

// GetAllImported retrieves every imported fingerprint
func (db *Database) GetAllImported() ([]*ImportedMedia, error) {
	var imported []*ImportedMedia
	err := db.store.Find(&imported, nil)
	return imported, err
}
