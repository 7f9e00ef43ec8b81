package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"peershare/internal/apperr"
	"peershare/internal/fileindex"
	"peershare/internal/metrics"
	"peershare/pkg/types"
)

// FolderRegistry is the read side of the shared-folder registry.
type FolderRegistry interface {
	Enabled(ctx context.Context) ([]types.SharedFolder, error)
	Get(ctx context.Context, id string) (types.SharedFolder, error)
}

// Device describes this node for GET /info.
type Device struct {
	ID, Name, Platform, Version string
}

// Serving is the peer-facing file API.
type Serving struct {
	Index   *fileindex.Index
	Folders FolderRegistry
	Device  Device
}

func (s *Serving) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /info", s.handleInfo)
	mux.HandleFunc("GET /files", s.handleList)
	mux.HandleFunc("GET /files/{id}/metadata", s.handleMetadata)
	mux.HandleFunc("GET /files/{id}/siblings", s.handleSiblings)
	mux.HandleFunc("GET /stream/{id}", s.transfer("stream"))
	mux.HandleFunc("GET /download/{id}", s.transfer("download"))
}

func (s *Serving) handleInfo(w http.ResponseWriter, r *http.Request) {
	folders, err := s.Folders.Enabled(r.Context())
	if err != nil {
		apperr.Write(w, err)
		return
	}
	writeJSON(w, types.DeviceInfo{
		ID:            s.Device.ID,
		Name:          s.Device.Name,
		Platform:      s.Device.Platform,
		Version:       s.Device.Version,
		SharedFolders: len(folders),
		Files:         s.Index.Len(),
	})
}

// handleList serves "/" as the shared folders; otherwise the first segment
// is a folder id and the rest a path inside it.
func (s *Serving) handleList(w http.ResponseWriter, r *http.Request) {
	p := strings.Trim(r.URL.Query().Get("path"), "/")
	if p == "" {
		folders, err := s.Folders.Enabled(r.Context())
		if err != nil {
			apperr.Write(w, err)
			return
		}
		out := make([]types.MediaEntry, 0, len(folders))
		for _, f := range folders {
			out = append(out, fileindex.FolderEntry(f))
		}
		writeJSON(w, out)
		return
	}

	folderID, sub, _ := strings.Cut(p, "/")
	folder, err := s.Folders.Get(r.Context(), folderID)
	if err != nil {
		apperr.Write(w, err)
		return
	}
	entries, err := s.Index.Scan(r.Context(), folder, sub)
	if err != nil {
		apperr.Write(w, err)
		return
	}
	writeJSON(w, entries)
}

func (s *Serving) handleMetadata(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	it, err := s.Index.Resolve(id)
	if err == nil {
		writeJSON(w, it.Entry)
		return
	}
	// shared folder roots are not in the index
	if f, ferr := s.Folders.Get(r.Context(), id); ferr == nil {
		writeJSON(w, fileindex.FolderEntry(f))
		return
	}
	apperr.Write(w, err)
}

func (s *Serving) handleSiblings(w http.ResponseWriter, r *http.Request) {
	entries, err := s.Index.Siblings(r.Context(), r.PathValue("id"))
	if err != nil {
		apperr.Write(w, err)
		return
	}
	writeJSON(w, entries)
}

// transfer serves a file with byte-range support. mode "download" marks the
// response as an attachment.
func (s *Serving) transfer(mode string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		it, err := s.Index.Resolve(id)
		if err != nil {
			apperr.Write(w, err)
			return
		}
		if it.Entry.IsFolder() {
			apperr.Write(w, fmt.Errorf("%s is a folder: %w", id, apperr.ErrNotFound))
			return
		}

		f, err := os.Open(it.Path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				s.Index.Forget(id)
				apperr.Write(w, fmt.Errorf("content %s: %w", id, apperr.ErrNotFound))
				return
			}
			apperr.Write(w, fmt.Errorf("open %s: %w: %v", it.Entry.Name, apperr.ErrFilesystem, err))
			return
		}
		defer f.Close()
		st, err := f.Stat()
		if err != nil {
			apperr.Write(w, fmt.Errorf("stat %s: %w: %v", it.Entry.Name, apperr.ErrFilesystem, err))
			return
		}

		size := st.Size()
		name := it.Entry.Name

		hadRange := false
		start, end := int64(0), size-1
		if rh := r.Header.Get("Range"); rh != "" {
			if rs, re, ok := parseByteRange(rh, size); ok {
				start, end, hadRange = rs, re, true
			} else {
				w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
				http.Error(w, "invalid range", http.StatusRequestedRangeNotSatisfiable)
				return
			}
		}
		length := end - start + 1
		if size == 0 {
			length = 0
		}

		disposition := "inline"
		if mode == "download" {
			disposition = "attachment"
		}
		w.Header().Set("Content-Type", fileindex.ContentTypeForName(name))
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Disposition", fmt.Sprintf("%s; filename=%q", disposition, fileindex.SafeName(name)))
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Last-Modified", st.ModTime().UTC().Format(http.TimeFormat))

		if hadRange {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
			w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
			w.WriteHeader(http.StatusPartialContent)
		} else {
			w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		}

		if r.Method == http.MethodHead || length == 0 {
			return
		}
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			log.Printf("[stream] seek %s to %d: %v", name, start, err)
			return
		}

		rc := http.NewResponseController(w)
		buf := make([]byte, 256<<10)
		var written int64
		progressEvery := 2 * time.Second
		lastProg := time.Now()

		defer func() { metrics.RecordServed(mode, written) }()

		for written < length {
			toRead := int64(len(buf))
			if rem := length - written; rem < toRead {
				toRead = rem
			}
			n, readErr := f.Read(buf[:toRead])
			if n > 0 {
				if _, err := w.Write(buf[:n]); err != nil {
					if !clientGone(err) {
						log.Printf("[stream] client write error: %v", err)
					}
					return
				}
				if err := rc.Flush(); err != nil {
					return
				}
				written += int64(n)
				if time.Since(lastProg) >= progressEvery {
					lastProg = time.Now()
					pct := float64(written) / float64(length) * 100
					log.Printf("[stream] %s %q %0.1f%% (%s/%s)", mode, name, pct,
						humanize.IBytes(uint64(written)), humanize.IBytes(uint64(length)))
				}
			}
			if readErr != nil {
				if !errors.Is(readErr, io.EOF) {
					log.Printf("[stream] read %s: %v", name, readErr)
				}
				break
			}
		}
		log.Printf("[stream] %s %q range=%d-%d sent=%s to %s", mode, name, start, end,
			humanize.IBytes(uint64(written)), r.RemoteAddr)
	}
}

// parseByteRange accepts a single "bytes=" range: "N-M", open-ended "N-" or
// suffix "-N".
func parseByteRange(h string, size int64) (start, end int64, ok bool) {
	h = strings.TrimSpace(strings.ToLower(h))
	if !strings.HasPrefix(h, "bytes=") {
		return 0, 0, false
	}
	spec := strings.TrimPrefix(h, "bytes=")
	parts := strings.Split(spec, ",")
	if len(parts) != 1 {
		return 0, 0, false
	}
	se := strings.SplitN(strings.TrimSpace(parts[0]), "-", 2)
	if len(se) != 2 {
		return 0, 0, false
	}
	if se[0] == "" {
		n, err := strconv.ParseInt(se[1], 10, 64)
		if err != nil || n <= 0 || size == 0 {
			return 0, 0, false
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, true
	}
	s, err := strconv.ParseInt(se[0], 10, 64)
	if err != nil || s < 0 || s >= size {
		return 0, 0, false
	}
	var e int64
	if se[1] == "" {
		e = size - 1
	} else {
		e, err = strconv.ParseInt(se[1], 10, 64)
		if err != nil || e < s {
			return 0, 0, false
		}
		if e >= size {
			e = size - 1
		}
	}
	return s, e, true
}

func clientGone(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, net.ErrClosed) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "broken pipe") || strings.Contains(s, "reset by peer")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
