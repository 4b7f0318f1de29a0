package controllers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/amaumene/fetcharr/internal/config"
	"github.com/amaumene/fetcharr/internal/downloader"
	"github.com/amaumene/fetcharr/internal/events"
	"github.com/amaumene/fetcharr/internal/fetch"
	"github.com/amaumene/fetcharr/internal/importer"
	"github.com/amaumene/fetcharr/internal/metrics"
	"github.com/amaumene/fetcharr/internal/models"
	"github.com/amaumene/fetcharr/internal/release"
)

const testMagnet = "magnet:?xt=urn:btih:c12fe1c06bba254a9dc9f519b335aa7c1367a88a&dn=Test.Movie.2024"
const testMagnetHash = "c12fe1c06bba254a9dc9f519b335aa7c1367a88a"

// fakeAdapter is an in-memory backend for exercising orchestration logic
type fakeAdapter struct {
	mu sync.Mutex

	submitID  string
	submitErr error
	listErr   error

	items       []downloader.LiveStatus
	submissions []*downloader.Resource
	removed     []string
}

func (f *fakeAdapter) Test(ctx context.Context) error { return nil }

func (f *fakeAdapter) Submit(ctx context.Context, res *downloader.Resource, opts downloader.SubmitOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submissions = append(f.submissions, res)
	if f.submitID != "" {
		return f.submitID, nil
	}
	return res.InfoHash, nil
}

func (f *fakeAdapter) Status(ctx context.Context, id string) (*downloader.LiveStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.items {
		if f.items[i].ID == id {
			return &f.items[i], nil
		}
	}
	return nil, downloader.ErrNotFound
}

func (f *fakeAdapter) ListActive(ctx context.Context) ([]downloader.LiveStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]downloader.LiveStatus(nil), f.items...), nil
}

func (f *fakeAdapter) Remove(ctx context.Context, id string, deleteFiles bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeAdapter) Pause(ctx context.Context, id string) error  { return nil }
func (f *fakeAdapter) Resume(ctx context.Context, id string) error { return nil }

func (f *fakeAdapter) submissionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submissions)
}

// testEnv wires controllers over fake adapters and a temporary database
type testEnv struct {
	cfg       *config.Config
	db        *models.Database
	fakes     map[string]*fakeAdapter
	download  *DownloadController
	reconcile *ReconcileController
}

func newTestEnv(t *testing.T, backends []config.BackendConfig) *testEnv {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	db, err := models.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{
		PollWorkers: 4,
		Backends:    backends,
	}

	fakes := make(map[string]*fakeAdapter)
	for _, b := range backends {
		fakes[b.Name] = &fakeAdapter{}
	}

	registry := downloader.NewRegistry(logger)
	factory := func(bc config.BackendConfig, _ *logrus.Logger) (downloader.Downloader, error) {
		return fakes[bc.Name], nil
	}
	registry.Register(models.BackendQBittorrent, factory)
	registry.Register(models.BackendTransmission, factory)
	registry.Register(models.BackendSABnzbd, factory)

	m := metrics.New(prometheus.NewRegistry())
	emitter := events.NewLogEmitter(logger)
	resolver := fetch.NewResolver(logger)
	imp := importer.NewService(db, emitter, logger)
	untracked := NewUntrackedMatcher(db, emitter, m, logger)

	return &testEnv{
		cfg:       cfg,
		db:        db,
		fakes:     fakes,
		download:  NewDownloadController(cfg, db, registry, resolver, emitter, m, logger),
		reconcile: NewReconcileController(cfg, db, registry, imp, untracked, emitter, m, logger),
	}
}

func torrentBackend(name string, priority int) config.BackendConfig {
	return config.BackendConfig{
		Name:     name,
		Type:     models.BackendQBittorrent,
		Enabled:  true,
		Priority: priority,
		Host:     "localhost",
		Port:     8080,
	}
}

func testRelease() *release.Release {
	return &release.Release{
		Title:   "Test Movie 2024 1080p BluRay x264",
		Link:    testMagnet,
		Indexer: "test-indexer",
		Seeders: 42,
	}
}

func intPtr(v int) *int { return &v }

func TestInitiateSubmitsAndRecords(t *testing.T) {
	env := newTestEnv(t, []config.BackendConfig{torrentBackend("qbit-main", 1)})

	d, err := env.download.Initiate(context.Background(), testRelease(), Target{ID: "movie-1"}, "")
	if err != nil {
		t.Fatalf("Failed to initiate download: %v", err)
	}

	if d.Backend != "qbit-main" {
		t.Errorf("Expected backend qbit-main, got %s", d.Backend)
	}
	if d.BackendID != testMagnetHash {
		t.Errorf("Expected backend id %s, got %s", testMagnetHash, d.BackendID)
	}
	if env.fakes["qbit-main"].submissionCount() != 1 {
		t.Errorf("Expected 1 submission, got %d", env.fakes["qbit-main"].submissionCount())
	}

	stored, err := env.db.GetDownloadByBackendKey("qbit-main", testMagnetHash)
	if err != nil {
		t.Fatalf("Expected download to be tracked: %v", err)
	}
	if stored.TargetID != "movie-1" {
		t.Errorf("Expected target movie-1, got %s", stored.TargetID)
	}
}

func TestInitiateDuplicateActiveTarget(t *testing.T) {
	env := newTestEnv(t, []config.BackendConfig{torrentBackend("qbit-main", 1)})

	existing := &models.Download{
		Title:     "Test Movie 2024",
		Backend:   "qbit-main",
		BackendID: "ffffffffffffffffffffffffffffffffffffffff",
		TargetID:  "movie-1",
	}
	if err := env.db.CreateDownload(existing); err != nil {
		t.Fatalf("Failed to seed download: %v", err)
	}

	_, err := env.download.Initiate(context.Background(), testRelease(), Target{ID: "movie-1"}, "")
	if !errors.Is(err, ErrDuplicateDownload) {
		t.Errorf("Expected ErrDuplicateDownload, got %v", err)
	}
	if env.fakes["qbit-main"].submissionCount() != 0 {
		t.Error("Expected no backend contact for a duplicate target")
	}
}

func TestInitiateDuplicateImportedTarget(t *testing.T) {
	env := newTestEnv(t, []config.BackendConfig{torrentBackend("qbit-main", 1)})

	imported := &models.ImportedMedia{
		Backend:   "qbit-main",
		BackendID: "ffffffffffffffffffffffffffffffffffffffff",
		TargetID:  "movie-1",
		Title:     "Test Movie 2024",
	}
	if err := env.db.CreateImported(imported); err != nil {
		t.Fatalf("Failed to seed fingerprint: %v", err)
	}

	_, err := env.download.Initiate(context.Background(), testRelease(), Target{ID: "movie-1"}, "")
	if !errors.Is(err, ErrDuplicateDownload) {
		t.Errorf("Expected ErrDuplicateDownload after import, got %v", err)
	}
	if env.fakes["qbit-main"].submissionCount() != 0 {
		t.Error("Expected no backend contact for an imported target")
	}
}

func TestInitiatePicksHighestPriorityBackend(t *testing.T) {
	env := newTestEnv(t, []config.BackendConfig{
		torrentBackend("qbit-backup", 5),
		torrentBackend("qbit-main", 1),
	})

	d, err := env.download.Initiate(context.Background(), testRelease(), Target{ID: "movie-1"}, "")
	if err != nil {
		t.Fatalf("Failed to initiate download: %v", err)
	}
	if d.Backend != "qbit-main" {
		t.Errorf("Expected lowest priority value to win, got %s", d.Backend)
	}
}

func TestInitiateExplicitBackend(t *testing.T) {
	env := newTestEnv(t, []config.BackendConfig{
		torrentBackend("qbit-main", 1),
		torrentBackend("qbit-backup", 5),
	})

	d, err := env.download.Initiate(context.Background(), testRelease(), Target{ID: "movie-1"}, "qbit-backup")
	if err != nil {
		t.Fatalf("Failed to initiate download: %v", err)
	}
	if d.Backend != "qbit-backup" {
		t.Errorf("Expected pinned backend, got %s", d.Backend)
	}

	_, err = env.download.Initiate(context.Background(), testRelease(), Target{ID: "movie-2"}, "nonexistent")
	if !errors.Is(err, ErrBackendNotFound) {
		t.Errorf("Expected ErrBackendNotFound, got %v", err)
	}
}

func TestInitiateUndeterminedProtocolUsesAnyBackend(t *testing.T) {
	// An opaque resource the sniffer cannot classify applies no protocol
	// filter, so protocol-bound backends stay eligible
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body>mirror page</body></html>")
	}))
	defer srv.Close()

	env := newTestEnv(t, []config.BackendConfig{torrentBackend("qbit-main", 1)})
	env.fakes["qbit-main"].submitID = "opaque-submission-id"

	rel := testRelease()
	rel.Link = srv.URL + "/release/1"

	d, err := env.download.Initiate(context.Background(), rel, Target{ID: "movie-1"}, "")
	if err != nil {
		t.Fatalf("Expected undetermined protocol to match any backend, got %v", err)
	}
	if d.Backend != "qbit-main" {
		t.Errorf("Expected qbit-main selected, got %s", d.Backend)
	}
	if d.Protocol != models.ProtocolUnknown {
		t.Errorf("Expected unknown protocol recorded, got %s", d.Protocol)
	}
	if env.fakes["qbit-main"].submissionCount() != 1 {
		t.Errorf("Expected 1 submission, got %d", env.fakes["qbit-main"].submissionCount())
	}
}

func TestInitiateNoEligibleBackend(t *testing.T) {
	// Only a usenet backend enabled, torrent resource incoming
	env := newTestEnv(t, []config.BackendConfig{{
		Name:    "sab-main",
		Type:    models.BackendSABnzbd,
		Enabled: true,
		Host:    "localhost",
		Port:    8080,
		APIKey:  "key",
	}})

	_, err := env.download.Initiate(context.Background(), testRelease(), Target{ID: "movie-1"}, "")
	if !errors.Is(err, ErrNoEligibleBackend) {
		t.Errorf("Expected ErrNoEligibleBackend, got %v", err)
	}
}

func TestCancelRemovesFromBackendFirst(t *testing.T) {
	env := newTestEnv(t, []config.BackendConfig{torrentBackend("qbit-main", 1)})

	d, err := env.download.Initiate(context.Background(), testRelease(), Target{ID: "movie-1"}, "")
	if err != nil {
		t.Fatalf("Failed to initiate download: %v", err)
	}

	if err := env.download.Cancel(context.Background(), d.ID, true); err != nil {
		t.Fatalf("Failed to cancel download: %v", err)
	}

	fake := env.fakes["qbit-main"]
	if len(fake.removed) != 1 || fake.removed[0] != testMagnetHash {
		t.Errorf("Expected backend removal of %s, got %v", testMagnetHash, fake.removed)
	}
	if _, err := env.db.GetDownloadByID(d.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected record deleted, got %v", err)
	}
}

func TestReconcileCompletionImportsAndDeletes(t *testing.T) {
	env := newTestEnv(t, []config.BackendConfig{torrentBackend("qbit-main", 1)})

	d, err := env.download.Initiate(context.Background(), testRelease(), Target{ID: "movie-1"}, "")
	if err != nil {
		t.Fatalf("Failed to initiate download: %v", err)
	}

	env.fakes["qbit-main"].items = []downloader.LiveStatus{{
		Backend:  "qbit-main",
		ID:       testMagnetHash,
		Name:     "Test Movie 2024 1080p BluRay x264",
		State:    models.StateCompleted,
		Progress: 1.0,
		SavePath: "/downloads/movies",
	}}

	if err := env.reconcile.Run(context.Background()); err != nil {
		t.Fatalf("Reconciliation failed: %v", err)
	}

	if _, err := env.db.GetDownloadByID(d.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected record deleted after completion, got %v", err)
	}
	imported, err := env.db.IsImported("qbit-main", testMagnetHash)
	if err != nil {
		t.Fatalf("Failed to check fingerprint: %v", err)
	}
	if !imported {
		t.Error("Expected fingerprint recorded on completion")
	}

	// A second cycle with the item still seeding must not re-import or adopt
	if err := env.reconcile.Run(context.Background()); err != nil {
		t.Fatalf("Second reconciliation failed: %v", err)
	}
	downloads, _ := env.db.GetAllDownloads()
	if len(downloads) != 0 {
		t.Errorf("Expected no tracked downloads after second cycle, got %d", len(downloads))
	}
}

func TestReconcileInProgressKeepsRecord(t *testing.T) {
	env := newTestEnv(t, []config.BackendConfig{torrentBackend("qbit-main", 1)})

	d, err := env.download.Initiate(context.Background(), testRelease(), Target{ID: "movie-1"}, "")
	if err != nil {
		t.Fatalf("Failed to initiate download: %v", err)
	}

	env.fakes["qbit-main"].items = []downloader.LiveStatus{{
		Backend:  "qbit-main",
		ID:       testMagnetHash,
		State:    models.StateDownloading,
		Progress: 0.4,
	}}

	if err := env.reconcile.Run(context.Background()); err != nil {
		t.Fatalf("Reconciliation failed: %v", err)
	}
	if _, err := env.db.GetDownloadByID(d.ID); err != nil {
		t.Errorf("Expected in-progress record to survive, got %v", err)
	}
}

func TestReconcileFailureDeletesRecord(t *testing.T) {
	env := newTestEnv(t, []config.BackendConfig{torrentBackend("qbit-main", 1)})

	d, err := env.download.Initiate(context.Background(), testRelease(), Target{ID: "movie-1"}, "")
	if err != nil {
		t.Fatalf("Failed to initiate download: %v", err)
	}

	env.fakes["qbit-main"].items = []downloader.LiveStatus{{
		Backend:      "qbit-main",
		ID:           testMagnetHash,
		State:        models.StateError,
		ErrorMessage: "disk full",
	}}

	if err := env.reconcile.Run(context.Background()); err != nil {
		t.Fatalf("Reconciliation failed: %v", err)
	}

	if _, err := env.db.GetDownloadByID(d.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected failed record deleted, got %v", err)
	}
	imported, _ := env.db.IsImported("qbit-main", testMagnetHash)
	if imported {
		t.Error("Expected no fingerprint for a failed download")
	}
}

func TestReconcileVanishedItem(t *testing.T) {
	env := newTestEnv(t, []config.BackendConfig{torrentBackend("qbit-main", 1)})

	d, err := env.download.Initiate(context.Background(), testRelease(), Target{ID: "movie-1"}, "")
	if err != nil {
		t.Fatalf("Failed to initiate download: %v", err)
	}

	// Backend responds, but without the item
	if err := env.reconcile.Run(context.Background()); err != nil {
		t.Fatalf("Reconciliation failed: %v", err)
	}

	if _, err := env.db.GetDownloadByID(d.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected vanished record deleted, got %v", err)
	}
}

func TestReconcileIsolatesBackendFailure(t *testing.T) {
	env := newTestEnv(t, []config.BackendConfig{
		torrentBackend("qbit-main", 1),
		torrentBackend("qbit-backup", 5),
	})

	d, err := env.download.Initiate(context.Background(), testRelease(), Target{ID: "movie-1"}, "qbit-backup")
	if err != nil {
		t.Fatalf("Failed to initiate download: %v", err)
	}

	// The failing backend's record must be untouched: no poll data is not
	// the same as the item being gone
	env.fakes["qbit-backup"].listErr = errors.New("connection refused")

	if err := env.reconcile.Run(context.Background()); err != nil {
		t.Fatalf("Reconciliation failed: %v", err)
	}

	if _, err := env.db.GetDownloadByID(d.ID); err != nil {
		t.Errorf("Expected record on failing backend to survive, got %v", err)
	}
}

func TestReconcileSkipsImportedUntracked(t *testing.T) {
	env := newTestEnv(t, []config.BackendConfig{torrentBackend("qbit-main", 1)})

	imported := &models.ImportedMedia{
		Backend:   "qbit-main",
		BackendID: testMagnetHash,
		TargetID:  "movie-1",
		Title:     "Test Movie 2024 1080p BluRay x264",
	}
	if err := env.db.CreateImported(imported); err != nil {
		t.Fatalf("Failed to seed fingerprint: %v", err)
	}

	// The item still seeds on the backend but nothing tracks it
	env.fakes["qbit-main"].items = []downloader.LiveStatus{{
		Backend:  "qbit-main",
		ID:       testMagnetHash,
		Name:     "Test Movie 2024 1080p BluRay x264",
		State:    models.StateSeeding,
		Progress: 1.0,
	}}

	if err := env.reconcile.Run(context.Background()); err != nil {
		t.Fatalf("Reconciliation failed: %v", err)
	}

	downloads, _ := env.db.GetAllDownloads()
	if len(downloads) != 0 {
		t.Errorf("Expected imported item not adopted, got %d downloads", len(downloads))
	}
}

func TestReconcileAdoptsUntrackedMatch(t *testing.T) {
	env := newTestEnv(t, []config.BackendConfig{torrentBackend("qbit-main", 1)})

	// A known target exists through a previously imported episode
	imported := &models.ImportedMedia{
		Backend:   "qbit-main",
		BackendID: "ffffffffffffffffffffffffffffffffffffffff",
		TargetID:  "show-1",
		Title:     "Test Show S01E01 1080p WEB-DL",
		Season:    intPtr(1),
		Episode:   intPtr(1),
	}
	if err := env.db.CreateImported(imported); err != nil {
		t.Fatalf("Failed to seed fingerprint: %v", err)
	}

	env.fakes["qbit-main"].items = []downloader.LiveStatus{{
		Backend:  "qbit-main",
		ID:       "1111111111111111111111111111111111111111",
		Name:     "Test Show S01E02 1080p WEB-DL",
		State:    models.StateDownloading,
		Progress: 0.2,
	}}

	if err := env.reconcile.Run(context.Background()); err != nil {
		t.Fatalf("Reconciliation failed: %v", err)
	}

	d, err := env.db.GetDownloadByBackendKey("qbit-main", "1111111111111111111111111111111111111111")
	if err != nil {
		t.Fatalf("Expected untracked item adopted: %v", err)
	}
	if d.TargetID != "show-1" {
		t.Errorf("Expected adoption onto show-1, got %s", d.TargetID)
	}
	if d.Season == nil || *d.Season != 1 || d.Episode == nil || *d.Episode != 2 {
		t.Errorf("Expected S01E02 parsed from the item name, got %v/%v", d.Season, d.Episode)
	}
}

func TestReconcileIgnoresUnmatchedUntracked(t *testing.T) {
	env := newTestEnv(t, []config.BackendConfig{torrentBackend("qbit-main", 1)})

	env.fakes["qbit-main"].items = []downloader.LiveStatus{{
		Backend:  "qbit-main",
		ID:       "2222222222222222222222222222222222222222",
		Name:     "Completely Unrelated Linux ISO",
		State:    models.StateDownloading,
		Progress: 0.5,
	}}

	if err := env.reconcile.Run(context.Background()); err != nil {
		t.Fatalf("Reconciliation failed: %v", err)
	}

	downloads, _ := env.db.GetAllDownloads()
	if len(downloads) != 0 {
		t.Errorf("Expected unmatched item to stay untracked, got %d downloads", len(downloads))
	}
}
