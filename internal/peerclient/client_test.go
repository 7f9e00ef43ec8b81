package peerclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"peershare/internal/apperr"
	"peershare/pkg/types"
)

func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /files", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("path") != "/abc/Show" {
			http.Error(w, "no such path", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode([]types.MediaEntry{{ID: "1", Name: "a.mkv", Kind: types.KindFile}})
	})
	mux.HandleFunc("GET /files/{id}/metadata", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(types.MediaEntry{ID: r.PathValue("id"), Name: "a.mkv"})
	})
	mux.HandleFunc("GET /download/{id}", func(w http.ResponseWriter, r *http.Request) {
		if rg := r.Header.Get("Range"); rg != "" {
			w.Header().Set("X-Seen-Range", rg)
			w.WriteHeader(http.StatusPartialContent)
		}
		io.WriteString(w, "body")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientJSON(t *testing.T) {
	srv := testServer(t)
	c := New(2 * time.Second)
	ctx := context.Background()

	entries, err := c.List(ctx, srv.URL, "/abc/Show")
	if err != nil || len(entries) != 1 || entries[0].Name != "a.mkv" {
		t.Fatalf("List = %+v, %v", entries, err)
	}
	if _, err := c.List(ctx, srv.URL, "/missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("List(missing) err = %v, want not found", err)
	}
	e, err := c.Metadata(ctx, srv.URL, "xyz")
	if err != nil || e.ID != "xyz" {
		t.Fatalf("Metadata = %+v, %v", e, err)
	}
}

func TestClientOpenSendsRange(t *testing.T) {
	srv := testServer(t)
	c := New(2 * time.Second)

	resp, err := c.Open(context.Background(), srv.URL, "f1", 100)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent || resp.Header.Get("X-Seen-Range") != "bytes=100-" {
		t.Fatalf("status %d range %q", resp.StatusCode, resp.Header.Get("X-Seen-Range"))
	}

	resp2, err := c.Open(context.Background(), srv.URL, "f1", 0)
	if err != nil {
		t.Fatalf("Open(0): %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("Open(0) status = %d", resp2.StatusCode)
	}
}

func TestClientUnreachable(t *testing.T) {
	c := New(500 * time.Millisecond)
	_, err := c.Info(context.Background(), "http://127.0.0.1:1")
	if !errors.Is(err, apperr.ErrTransient) {
		t.Fatalf("err = %v, want transient", err)
	}
}

func TestBaseURL(t *testing.T) {
	if got := BaseURL(types.PeerDevice{Address: "10.0.0.2", Port: 8765}); got != "http://10.0.0.2:8765" {
		t.Fatalf("BaseURL = %q", got)
	}
}
