package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"peershare/internal/apperr"
	"peershare/internal/fileindex"
	"peershare/pkg/types"
)

type folderMap map[string]types.SharedFolder

func (f folderMap) Enabled(context.Context) ([]types.SharedFolder, error) {
	var out []types.SharedFolder
	for _, sf := range f {
		out = append(out, sf)
	}
	return out, nil
}

func (f folderMap) Get(_ context.Context, id string) (types.SharedFolder, error) {
	if sf, ok := f[id]; ok {
		return sf, nil
	}
	return types.SharedFolder{}, fmt.Errorf("folder %s: %w", id, apperr.ErrNotFound)
}

type servingFixture struct {
	srv     *httptest.Server
	folder  types.SharedFolder
	content []byte
	fileID  string
}

func newServing(t *testing.T) *servingFixture {
	t.Helper()
	root := filepath.Join(t.TempDir(), "Movies")
	if err := os.MkdirAll(filepath.Join(root, "Season 1"), 0o755); err != nil {
		t.Fatal(err)
	}
	content := make([]byte, 1000)
	for i := range content {
		content[i] = byte(i % 251)
	}
	os.WriteFile(filepath.Join(root, "Movie.mkv"), content, 0o644)
	os.WriteFile(filepath.Join(root, "Season 1", "Show.S01E01.mkv"), []byte("e1"), 0o644)

	folder := types.SharedFolder{ID: fileindex.ContentID(root), Path: root, Alias: "Movies", Enabled: true}
	s := &Serving{
		Index:   fileindex.New(),
		Folders: folderMap{folder.ID: folder},
		Device:  Device{ID: "dev-1", Name: "Den", Platform: "linux", Version: "1"},
	}
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	fx := &servingFixture{srv: srv, folder: folder, content: content}
	for _, e := range fx.list(t, "/"+folder.ID) {
		if e.Name == "Movie.mkv" {
			fx.fileID = e.ID
		}
	}
	if fx.fileID == "" {
		t.Fatal("Movie.mkv not listed")
	}
	return fx
}

func (fx *servingFixture) list(t *testing.T, path string) []types.MediaEntry {
	t.Helper()
	resp, err := http.Get(fx.srv.URL + "/files?path=" + url.QueryEscape(path))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list %s: status %d", path, resp.StatusCode)
	}
	var out []types.MediaEntry
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out
}

func (fx *servingFixture) get(t *testing.T, path, rangeHeader string) (*http.Response, []byte) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, fx.srv.URL+path, nil)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, body
}

func TestListRootAndFolder(t *testing.T) {
	fx := newServing(t)

	roots := fx.list(t, "/")
	if len(roots) != 1 || roots[0].ID != fx.folder.ID || roots[0].Name != "Movies" || !roots[0].IsFolder() {
		t.Fatalf("roots = %+v", roots)
	}
	entries := fx.list(t, "/"+fx.folder.ID)
	if len(entries) != 2 || entries[0].Name != "Season 1" || entries[1].Name != "Movie.mkv" {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[1].SizeBytes == nil || *entries[1].SizeBytes != 1000 || entries[1].MediaKind != types.MediaVideo {
		t.Fatalf("file entry = %+v", entries[1])
	}
	sub := fx.list(t, "/"+fx.folder.ID+"/Season 1")
	if len(sub) != 1 || sub[0].Name != "Show.S01E01.mkv" {
		t.Fatalf("subfolder = %+v", sub)
	}
}

func TestTraversalIsNotFound(t *testing.T) {
	fx := newServing(t)
	for _, p := range []string{"/" + fx.folder.ID + "/../..", "/" + fx.folder.ID + "/../../etc", "/unknown-folder"} {
		resp, _ := fx.get(t, "/files?path="+url.QueryEscape(p), "")
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("list %q: status %d, want 404", p, resp.StatusCode)
		}
	}
}

func TestDownloadWithoutRange(t *testing.T) {
	fx := newServing(t)
	resp, body := fx.get(t, "/download/"+fx.fileID, "")
	if resp.StatusCode != http.StatusOK || !bytes.Equal(body, fx.content) {
		t.Fatalf("status %d, %d bytes", resp.StatusCode, len(body))
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.HasPrefix(cd, "attachment") {
		t.Fatalf("Content-Disposition = %q", cd)
	}
	if resp.Header.Get("Accept-Ranges") != "bytes" {
		t.Fatal("missing Accept-Ranges")
	}
}

func TestStreamOpenEndedRange(t *testing.T) {
	fx := newServing(t)
	resp, body := fx.get(t, "/stream/"+fx.fileID, "bytes=100-")
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Range"); got != "bytes 100-999/1000" {
		t.Fatalf("Content-Range = %q", got)
	}
	if len(body) != 900 || !bytes.Equal(body, fx.content[100:]) {
		t.Fatalf("body = %d bytes", len(body))
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.HasPrefix(cd, "inline") {
		t.Fatalf("Content-Disposition = %q", cd)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "video/x-matroska" {
		t.Fatalf("Content-Type = %q", ct)
	}
}

func TestRangeForms(t *testing.T) {
	fx := newServing(t)
	cases := []struct {
		header    string
		status    int
		from, to  int
		respRange string
	}{
		{"bytes=0-99", http.StatusPartialContent, 0, 100, "bytes 0-99/1000"},
		{"bytes=-10", http.StatusPartialContent, 990, 1000, "bytes 990-999/1000"},
		{"bytes=900-5000", http.StatusPartialContent, 900, 1000, "bytes 900-999/1000"},
		{"bytes=1000-", http.StatusRequestedRangeNotSatisfiable, 0, 0, "bytes */1000"},
		{"bytes=5-2", http.StatusRequestedRangeNotSatisfiable, 0, 0, "bytes */1000"},
		{"items=0-1", http.StatusRequestedRangeNotSatisfiable, 0, 0, "bytes */1000"},
		{"bytes=0-1,5-6", http.StatusRequestedRangeNotSatisfiable, 0, 0, "bytes */1000"},
	}
	for _, c := range cases {
		resp, body := fx.get(t, "/download/"+fx.fileID, c.header)
		if resp.StatusCode != c.status {
			t.Errorf("%s: status %d, want %d", c.header, resp.StatusCode, c.status)
			continue
		}
		if got := resp.Header.Get("Content-Range"); got != c.respRange {
			t.Errorf("%s: Content-Range %q, want %q", c.header, got, c.respRange)
		}
		if c.status == http.StatusPartialContent && !bytes.Equal(body, fx.content[c.from:c.to]) {
			t.Errorf("%s: wrong bytes", c.header)
		}
	}
}

func TestUnknownAndRemovedFiles(t *testing.T) {
	fx := newServing(t)
	if resp, _ := fx.get(t, "/download/does-not-exist", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown id status %d", resp.StatusCode)
	}
	if resp, _ := fx.get(t, "/stream/"+fx.folder.ID, ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("folder stream status %d", resp.StatusCode)
	}

	os.Remove(filepath.Join(fx.folder.Path, "Movie.mkv"))
	if resp, _ := fx.get(t, "/download/"+fx.fileID, ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("removed file status %d", resp.StatusCode)
	}
	if resp, _ := fx.get(t, "/files/"+fx.fileID+"/metadata", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("removed file metadata status %d", resp.StatusCode)
	}
}

func TestMetadataSiblingsAndInfo(t *testing.T) {
	fx := newServing(t)

	resp, body := fx.get(t, "/files/"+fx.fileID+"/metadata", "")
	var e types.MediaEntry
	if resp.StatusCode != http.StatusOK || json.Unmarshal(body, &e) != nil || e.Name != "Movie.mkv" || e.ParentFolderID != fx.folder.ID {
		t.Fatalf("metadata %d %s", resp.StatusCode, body)
	}

	resp, body = fx.get(t, "/files/"+fx.fileID+"/siblings", "")
	var sib []types.MediaEntry
	if resp.StatusCode != http.StatusOK || json.Unmarshal(body, &sib) != nil || len(sib) != 1 || sib[0].ID != fx.fileID {
		t.Fatalf("siblings %d %s", resp.StatusCode, body)
	}

	resp, body = fx.get(t, "/info", "")
	var info types.DeviceInfo
	if resp.StatusCode != http.StatusOK || json.Unmarshal(body, &info) != nil {
		t.Fatalf("info %d %s", resp.StatusCode, body)
	}
	if info.ID != "dev-1" || info.SharedFolders != 1 || info.Files < 2 {
		t.Fatalf("info = %+v", info)
	}
}

func TestParseByteRange(t *testing.T) {
	if s, e, ok := parseByteRange("bytes=-2000", 1000); !ok || s != 0 || e != 999 {
		t.Fatalf("oversized suffix = %d-%d %v", s, e, ok)
	}
	if _, _, ok := parseByteRange("bytes=-5", 0); ok {
		t.Fatal("suffix range on empty file should fail")
	}
}
