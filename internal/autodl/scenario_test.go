package autodl

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"peershare/internal/downloads"
	"peershare/internal/events"
	"peershare/internal/fileindex"
	"peershare/internal/httpapi"
	"peershare/internal/peerclient"
	"peershare/internal/settings"
	"peershare/internal/store"
	"peershare/pkg/types"
)

// Node A shares a Movies folder; node B lists it, plays the first episode
// and ends up with the first two episodes downloaded.
func TestPlayOnPeerDownloadsNextEpisode(t *testing.T) {
	ctx := context.Background()

	movies := filepath.Join(t.TempDir(), "Movies")
	if err := os.MkdirAll(movies, 0o755); err != nil {
		t.Fatal(err)
	}
	e01 := bytes.Repeat([]byte("first "), 20_000)
	e02 := bytes.Repeat([]byte("second "), 15_000)
	os.WriteFile(filepath.Join(movies, "Show.S01E01.mkv"), e01, 0o644)
	os.WriteFile(filepath.Join(movies, "Show.S01E02.mkv"), e02, 0o644)

	dbA, err := store.Open(ctx, filepath.Join(t.TempDir(), "a.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer dbA.Close()
	folders := settings.NewFolders(dbA)
	if _, err := folders.Upsert(ctx, types.SharedFolder{Path: movies, Enabled: true}); err != nil {
		t.Fatal(err)
	}
	mux := http.NewServeMux()
	(&httpapi.Serving{Index: fileindex.New(), Folders: folders, Device: httpapi.Device{ID: "node-a", Name: "A"}}).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	host, portStr, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(portStr)
	nodeA := types.PeerDevice{ID: "node-a", DisplayName: "A", Address: host, Port: port, Online: true}
	pt := peers{"node-a": nodeA}

	dbB, err := store.Open(ctx, filepath.Join(t.TempDir(), "b.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer dbB.Close()
	client := peerclient.New(5 * time.Second)
	st := settings.NewStore(dbB)
	mgr := downloads.NewManager(downloads.NewStore(dbB), pt, client, st, events.NewBroadcaster(),
		downloads.Options{Dir: filepath.Join(t.TempDir(), "downloads")})
	runCtx, cancel := context.WithCancel(ctx)
	defer func() { cancel(); mgr.Wait() }()
	if err := mgr.Start(runCtx); err != nil {
		t.Fatal(err)
	}
	engine := New(pt, client, mgr, st, 2)

	// B browses A
	base := peerclient.BaseURL(nodeA)
	roots, err := client.List(ctx, base, "/")
	if err != nil || len(roots) != 1 || roots[0].Name != "Movies" {
		t.Fatalf("roots = %+v, %v", roots, err)
	}
	files, err := client.List(ctx, base, "/"+roots[0].ID)
	if err != nil || len(files) != 2 {
		t.Fatalf("files = %+v, %v", files, err)
	}

	batch, err := engine.OnPlay(ctx, "node-a", files[0].ID)
	if err != nil {
		t.Fatalf("OnPlay: %v", err)
	}
	if batch.DetectionMethod != types.DetectPattern || len(batch.MemberFileIDs) != 2 {
		t.Fatalf("batch = %+v", batch)
	}

	want := map[string][]byte{"Show.S01E01.mkv": e01, "Show.S01E02.mkv": e02}
	deadline := time.Now().Add(10 * time.Second)
	for {
		all, err := mgr.List(ctx)
		if err != nil {
			t.Fatal(err)
		}
		done := 0
		for _, d := range all {
			if d.Status == types.StatusCompleted {
				done++
			}
		}
		if len(all) == 2 && done == 2 {
			for _, d := range all {
				if !d.IsAutoDownload {
					t.Errorf("%s not marked as auto download", d.FileName)
				}
				if d.ExpiresAt == nil || !d.ExpiresAt.Equal(d.CompletedAt.UTC().AddDate(0, 0, 10)) {
					t.Errorf("%s expires %v, completed %v", d.FileName, d.ExpiresAt, d.CompletedAt)
				}
				got, _ := os.ReadFile(d.LocalPath)
				if !bytes.Equal(got, want[d.FileName]) {
					t.Errorf("%s content mismatch", d.FileName)
				}
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("downloads = %+v", all)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
