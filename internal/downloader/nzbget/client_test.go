package nzbget

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/fetcharr/internal/config"
	"github.com/amaumene/fetcharr/internal/downloader"
	"github.com/amaumene/fetcharr/internal/models"
)

func TestStableIDIsContentDerived(t *testing.T) {
	file := &downloader.Resource{
		Kind:    downloader.ResourceFile,
		Content: []byte("<?xml version=\"1.0\"?><nzb></nzb>"),
	}

	first := StableID(file)
	second := StableID(file)
	if first != second {
		t.Errorf("Expected deterministic id, got %s and %s", first, second)
	}
	if len(first) != 64 {
		t.Errorf("Expected a sha256 hex digest, got %q", first)
	}

	other := &downloader.Resource{
		Kind:    downloader.ResourceFile,
		Content: []byte("different content"),
	}
	if StableID(other) == first {
		t.Error("Expected different content to produce a different id")
	}

	byURL := &downloader.Resource{
		Kind: downloader.ResourceURL,
		URI:  "https://indexer.example.com/getnzb/1",
	}
	if StableID(byURL) == first {
		t.Error("Expected URL-derived id to differ from content-derived id")
	}
}

func testClient(t *testing.T, srv *httptest.Server) downloader.Downloader {
	t.Helper()

	parsed, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("Failed to parse test server URL: %v", err)
	}
	port, _ := strconv.Atoi(parsed.Port())

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	client, err := New(config.BackendConfig{
		Name: "nzbget-main",
		Type: models.BackendNZBGet,
		Host: parsed.Hostname(),
		Port: port,
	}, logger)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return client
}

func rpcServer(t *testing.T, handle func(method string, params []any) any) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
			Params []any  `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Failed to decode RPC request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"result": handle(req.Method, req.Params)})
	}))
}

func TestSubmitRoundTripsStableID(t *testing.T) {
	res := &downloader.Resource{
		Kind:     downloader.ResourceFile,
		Protocol: models.ProtocolUsenet,
		Content:  []byte("<?xml version=\"1.0\"?><nzb></nzb>"),
		Filename: "test-movie.nzb",
	}
	wantID := StableID(res)

	var submittedParams []any
	srv := rpcServer(t, func(method string, params []any) any {
		switch method {
		case "append":
			submittedParams = params
			return 42
		case "listgroups":
			// The queue echoes the post parameter back
			return []map[string]any{{
				"NZBID":   42,
				"NZBName": "test-movie",
				"Status":  "DOWNLOADING",
				"Parameters": []map[string]string{
					{"Name": "fetcharr-id", "Value": wantID},
				},
			}}
		case "history":
			return []map[string]any{}
		}
		t.Errorf("Unexpected RPC method %s", method)
		return nil
	})
	defer srv.Close()

	client := testClient(t, srv)
	id, err := client.Submit(context.Background(), res, downloader.SubmitOptions{})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if id != wantID {
		t.Errorf("Expected stable id %s, got %s", wantID, id)
	}
	if len(submittedParams) != 10 {
		t.Fatalf("Expected 10 append parameters, got %d", len(submittedParams))
	}

	// The id submitted must come back attached to the queue entry
	status, err := client.Status(context.Background(), wantID)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.State != models.StateDownloading {
		t.Errorf("Expected downloading state, got %s", status.State)
	}
}

func TestListActiveSynthesizesIDForForeignItems(t *testing.T) {
	srv := rpcServer(t, func(method string, params []any) any {
		switch method {
		case "listgroups":
			return []map[string]any{{
				"NZBID":   7,
				"NZBName": "someone-elses-download",
				"Status":  "DOWNLOADING",
			}}
		case "history":
			return []map[string]any{{
				"NZBID":  8,
				"Name":   "old-download",
				"Status": "SUCCESS/ALL",
			}}
		}
		return nil
	})
	defer srv.Close()

	client := testClient(t, srv)
	statuses, err := client.ListActive(context.Background())
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("Expected queue and history merged into 2 items, got %d", len(statuses))
	}
	if statuses[0].ID != "nzbid-7" {
		t.Errorf("Expected synthetic id for foreign queue item, got %s", statuses[0].ID)
	}
	if statuses[1].State != models.StateCompleted {
		t.Errorf("Expected SUCCESS history entry to map to completed, got %s", statuses[1].State)
	}
}
