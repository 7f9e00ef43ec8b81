package downloads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"peershare/internal/apperr"
	"peershare/internal/fileindex"
	"peershare/internal/metrics"
	"peershare/internal/peerclient"
	"peershare/pkg/types"
)

// fetch streams the remote file into the partial file, resuming from its
// current length. It returns the number of bytes on disk.
func (m *Manager) fetch(ctx context.Context, d *types.Download, t *transfer) (int64, error) {
	peer, err := m.peers.Peer(ctx, d.SourcePeerID)
	if err != nil {
		return t.bytes.Load(), fmt.Errorf("peer %s unavailable: %w", d.SourcePeerName, err)
	}
	if err := os.MkdirAll(m.opts.Dir, 0o755); err != nil {
		return 0, fmt.Errorf("downloads dir: %w: %v", apperr.ErrFilesystem, err)
	}

	part := m.partPath(*d)
	var offset int64
	if st, err := os.Stat(part); err == nil {
		offset = st.Size()
	}
	if d.TotalBytes > 0 && offset > d.TotalBytes {
		offset = 0
	}
	if d.TotalBytes > 0 && offset == d.TotalBytes {
		t.bytes.Store(offset)
		return offset, nil
	}

	resp, err := m.src.Open(ctx, peerclient.BaseURL(peer), d.SourceFileID, offset)
	if err != nil {
		return offset, err
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	switch resp.StatusCode {
	case http.StatusPartialContent:
		start, total, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok || start != offset {
			return offset, fmt.Errorf("peer answered range %q for offset %d: %w",
				resp.Header.Get("Content-Range"), offset, apperr.ErrTransient)
		}
		if d.TotalBytes <= 0 && total > 0 {
			d.TotalBytes = total
		}
		flags |= os.O_APPEND
	case http.StatusOK:
		if offset > 0 {
			log.Printf("[download] %q: peer ignored range, restarting", d.FileName)
		}
		offset = 0
		if d.TotalBytes <= 0 && resp.ContentLength > 0 {
			d.TotalBytes = resp.ContentLength
		}
		flags |= os.O_TRUNC
	default:
		return offset, fmt.Errorf("unexpected status %d: %w", resp.StatusCode, apperr.ErrTransient)
	}

	f, err := os.OpenFile(part, flags, 0o644)
	if err != nil {
		return offset, fmt.Errorf("open partial: %w: %v", apperr.ErrFilesystem, err)
	}
	t.bytes.Store(offset)
	if offset > 0 {
		log.Printf("[download] %q resuming at %s", d.FileName, humanize.IBytes(uint64(offset)))
	}

	limit := rate.NewLimiter(rate.Every(m.opts.ProgressInterval), 1)
	persist := context.WithoutCancel(ctx)
	buf := make([]byte, 256<<10)
	written := offset
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				return written, fmt.Errorf("write partial: %w: %v", apperr.ErrFilesystem, werr)
			}
			written += int64(n)
			t.bytes.Store(written)
			metrics.AddTransferred(int64(n))
			if limit.Allow() {
				m.progress(persist, *d, written)
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			f.Close()
			if ctx.Err() != nil {
				return written, context.Cause(ctx)
			}
			return written, fmt.Errorf("read body: %w: %v", apperr.ErrTransient, rerr)
		}
	}
	if err := f.Close(); err != nil {
		return written, fmt.Errorf("close partial: %w: %v", apperr.ErrFilesystem, err)
	}
	if d.TotalBytes > 0 && written != d.TotalBytes {
		return written, fmt.Errorf("got %d of %d bytes: %w", written, d.TotalBytes, apperr.ErrTransient)
	}
	m.progress(persist, *d, written)
	return written, nil
}

func (m *Manager) progress(ctx context.Context, d types.Download, n int64) {
	if err := m.ledger.UpdateProgress(ctx, d.ID, n); err != nil {
		log.Printf("[download] persist progress of %s: %v", d.ID, err)
	}
	d.DownloadedBytes = n
	m.events.Publish(types.DownloadEvent{Type: types.EventProgress, Download: d, Bytes: n, Total: d.TotalBytes})
}

// parseContentRange reads "bytes start-end/total"; total is -1 when "*".
func parseContentRange(h string) (start, total int64, ok bool) {
	rest, found := strings.CutPrefix(strings.TrimSpace(h), "bytes ")
	if !found {
		return 0, 0, false
	}
	rng, size, found := strings.Cut(rest, "/")
	if !found {
		return 0, 0, false
	}
	first, _, found := strings.Cut(rng, "-")
	if !found {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(strings.TrimSpace(first), 10, 64)
	if err != nil || start < 0 {
		return 0, 0, false
	}
	total = -1
	if size != "*" {
		if total, err = strconv.ParseInt(strings.TrimSpace(size), 10, 64); err != nil {
			return 0, 0, false
		}
	}
	return start, total, true
}

func safeFileName(d types.Download) string {
	if strings.TrimSpace(d.FileName) == "" {
		return d.ID
	}
	return fileindex.SafeName(d.FileName)
}
