package httpstatus

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/Chinzzii/pg-logical-replicator/internal/cluster"
)

type fakeStatusSource struct {
	snap cluster.Snapshot
}

func (f fakeStatusSource) ReadStatus() cluster.Snapshot { return f.snap }

func TestHandleStatusReturnsSnapshotJSON(t *testing.T) {
	src := fakeStatusSource{snap: cluster.Snapshot{
		Mode:       "master",
		Status:     "Running",
		Source:     "nodeA",
		ErrorCount: 2,
		Progress:   1,
		MaxQueue:   4,
		Peers: []cluster.PeerSnapshot{
			{URI: "wss://peer/", ConnState: "Connected", Authorized: true, SendCount: 0},
		},
	}}
	srv := NewServer(src, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected application/json content type, got %q", ct)
	}

	var got cluster.Snapshot
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Status != "Running" || got.Source != "nodeA" || len(got.Peers) != 1 {
		t.Fatalf("unexpected snapshot in response: %+v", got)
	}
}

func TestHandleStatusRejectsNonGET(t *testing.T) {
	srv := NewServer(fakeStatusSource{}, zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/status", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
