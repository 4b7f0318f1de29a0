package downloader

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/fetcharr/internal/config"
	"github.com/amaumene/fetcharr/internal/models"
)

type stubAdapter struct {
	Downloader
	name string
}

func (s *stubAdapter) Test(ctx context.Context) error { return nil }

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestRegistryUnknownType(t *testing.T) {
	registry := NewRegistry(testLogger())

	_, err := registry.Adapter(config.BackendConfig{
		Name: "mystery",
		Type: models.BackendType("unheard-of"),
	})
	if !errors.Is(err, ErrUnknownType) {
		t.Errorf("Expected ErrUnknownType, got %v", err)
	}
}

func TestRegistryCachesAdapters(t *testing.T) {
	registry := NewRegistry(testLogger())

	built := 0
	registry.Register(models.BackendQBittorrent, func(cfg config.BackendConfig, _ *logrus.Logger) (Downloader, error) {
		built++
		return &stubAdapter{name: cfg.Name}, nil
	})

	cfg := config.BackendConfig{Name: "qbit-main", Type: models.BackendQBittorrent, Host: "localhost"}

	first, err := registry.Adapter(cfg)
	if err != nil {
		t.Fatalf("Failed to build adapter: %v", err)
	}
	second, err := registry.Adapter(cfg)
	if err != nil {
		t.Fatalf("Failed to fetch cached adapter: %v", err)
	}
	if first != second {
		t.Error("Expected the cached adapter instance")
	}
	if built != 1 {
		t.Errorf("Expected factory called once, got %d", built)
	}
}

func TestRegistryRebuildsOnConfigChange(t *testing.T) {
	registry := NewRegistry(testLogger())

	built := 0
	registry.Register(models.BackendQBittorrent, func(cfg config.BackendConfig, _ *logrus.Logger) (Downloader, error) {
		built++
		return &stubAdapter{name: cfg.Name}, nil
	})

	cfg := config.BackendConfig{Name: "qbit-main", Type: models.BackendQBittorrent, Host: "localhost"}
	if _, err := registry.Adapter(cfg); err != nil {
		t.Fatalf("Failed to build adapter: %v", err)
	}

	cfg.Host = "otherhost"
	if _, err := registry.Adapter(cfg); err != nil {
		t.Fatalf("Failed to rebuild adapter: %v", err)
	}
	if built != 2 {
		t.Errorf("Expected rebuild after config change, got %d builds", built)
	}
}

func TestWrapErrPassesNotFound(t *testing.T) {
	if err := WrapErr("qbit-main", "status", ErrNotFound); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound to pass through, got %v", err)
	}
	if err := WrapErr("qbit-main", "status", nil); err != nil {
		t.Errorf("Expected nil to pass through, got %v", err)
	}

	wrapped := WrapErr("qbit-main", "status", errors.New("boom"))
	var adapterErr *AdapterError
	if !errors.As(wrapped, &adapterErr) {
		t.Fatalf("Expected AdapterError, got %T", wrapped)
	}
	if adapterErr.Backend != "qbit-main" || adapterErr.Op != "status" {
		t.Errorf("Expected origin tags preserved, got %+v", adapterErr)
	}
}

func TestLiveStatusComplete(t *testing.T) {
	cases := []struct {
		state    models.DownloadState
		progress float64
		want     bool
	}{
		{models.StateCompleted, 1.0, true},
		{models.StateSeeding, 1.0, true},
		{models.StateError, 1.0, false},
		{models.StateChecking, 1.0, false},
		{models.StateDownloading, 0.5, false},
		{models.StateDownloading, 1.0, true},
	}

	for _, c := range cases {
		s := &LiveStatus{State: c.state, Progress: c.progress}
		if got := s.Complete(); got != c.want {
			t.Errorf("Complete() with state %s progress %.1f = %v, want %v", c.state, c.progress, got, c.want)
		}
	}
}
