// Package downloader defines the capability set every download backend must
// implement, plus the registry that maps backend types to implementations.
// No other package talks to a backend directly or encodes backend-specific
// request shapes.
package downloader

import (
	"context"
	"errors"
	"fmt"

	"github.com/amaumene/fetcharr/internal/models"
)

// ErrNotFound is returned by Status when the backend has no item with the
// given identifier.
var ErrNotFound = errors.New("item not found in backend")

// AdapterError wraps a backend-specific failure so callers never have to
// special-case transport errors per backend type.
type AdapterError struct {
	Backend string
	Op      string
	Err     error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("backend %s: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// WrapErr tags a backend failure with its origin. ErrNotFound passes through
// untouched so callers can match on it.
func WrapErr(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return err
	}
	return &AdapterError{Backend: backend, Op: op, Err: err}
}

// ResourceKind discriminates the forms a download resource can take
type ResourceKind string

const (
	ResourceMagnet ResourceKind = "magnet"
	ResourceFile   ResourceKind = "file" // raw torrent or NZB bytes
	ResourceURL    ResourceKind = "url"  // opaque, passed through
)

// Resource is a normalized download resource ready for submission
type Resource struct {
	Kind     ResourceKind
	Protocol models.Protocol

	URI      string // magnet URI or plain URL
	Content  []byte // file body when Kind is ResourceFile
	Filename string

	// InfoHash is set when it could be derived from the resource (magnet
	// xt parameter or torrent file body)
	InfoHash string
	Title    string
}

// SubmitOptions carries per-submission overrides
type SubmitOptions struct {
	Category    string
	DownloadDir string
	Paused      bool
}

// LiveStatus is the real-time view of one item inside one backend. It is
// produced fresh on every reconciliation cycle and never persisted.
type LiveStatus struct {
	Backend string
	ID      string // content-stable backend identifier
	Name    string

	State    models.DownloadState
	Progress float64 // 0..1

	DownloadRate int64 // bytes/s
	UploadRate   int64 // bytes/s
	ETASeconds   int64

	Size       int64
	Downloaded int64
	Uploaded   int64
	Ratio      float64

	SavePath     string
	ErrorMessage string
}

// Complete reports whether the item finished downloading. Seeding counts:
// the payload is fully on disk even though the backend is still active.
func (s *LiveStatus) Complete() bool {
	switch s.State {
	case models.StateCompleted, models.StateSeeding:
		return true
	case models.StateError, models.StateChecking, models.StateMissing:
		return false
	}
	return s.Progress >= 1.0
}

// Failed reports whether the backend considers the item terminally failed
func (s *LiveStatus) Failed() bool {
	return s.State == models.StateError
}

// Downloader is the fixed capability set every backend adapter implements.
// Submit must return an identifier that is stable across backend restarts and
// never reused for a different item; adapters over backends that only expose
// reusable counters synthesize one from the submitted content.
type Downloader interface {
	// Test verifies connectivity and credentials
	Test(ctx context.Context) error

	// Submit hands a resource to the backend and returns its stable identifier
	Submit(ctx context.Context, res *Resource, opts SubmitOptions) (string, error)

	// Status fetches the live status of one item, or ErrNotFound
	Status(ctx context.Context, id string) (*LiveStatus, error)

	// ListActive fetches the live status of every item the backend knows about
	ListActive(ctx context.Context) ([]LiveStatus, error)

	// Remove deletes an item, optionally with its files on disk
	Remove(ctx context.Context, id string, deleteFiles bool) error

	// Pause suspends an item
	Pause(ctx context.Context, id string) error

	// Resume restarts a paused item
	Resume(ctx context.Context, id string) error
}
