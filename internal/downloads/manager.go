// Package downloads runs the persistent, resumable download queue.
package downloads

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"peershare/internal/apperr"
	"peershare/internal/events"
	"peershare/internal/metrics"
	"peershare/internal/peerclient"
	"peershare/internal/settings"
	"peershare/pkg/types"
)

var (
	errPaused    = errors.New("paused")
	errCancelled = errors.New("cancelled")
)

// PeerLocator finds a discovered peer by id.
type PeerLocator interface {
	Peer(ctx context.Context, id string) (types.PeerDevice, error)
}

// Source is the remote side of a transfer; *peerclient.Client implements it.
type Source interface {
	Metadata(ctx context.Context, base, id string) (types.MediaEntry, error)
	Open(ctx context.Context, base, id string, offset int64) (*http.Response, error)
}

// Settings supplies live values for the queue cap and retention.
type Settings interface {
	Int(ctx context.Context, key string, def int) int
}

type Options struct {
	Dir              string
	MaxConcurrent    int
	RetentionDays    int
	ProgressInterval time.Duration
}

// Request asks for one remote file. Name, path and size are looked up on
// the peer when omitted.
type Request struct {
	FileID     string `json:"fileId"`
	PeerID     string `json:"peerId"`
	FileName   string `json:"fileName,omitempty"`
	RemotePath string `json:"remotePath,omitempty"`
	TotalBytes int64  `json:"totalBytes,omitempty"`
	Auto       bool   `json:"-"`
}

type Manager struct {
	ledger   Ledger
	peers    PeerLocator
	src      Source
	settings Settings
	events   *events.Broadcaster
	opts     Options
	now      func() time.Time

	// state serializes status transitions of ledger records
	state sync.Mutex

	mu      sync.Mutex
	base    context.Context
	queue   []string
	active  map[string]*transfer
	writers map[string]chan struct{} // id -> done of the newest writer
	wg      sync.WaitGroup
}

type transfer struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
	bytes  atomic.Int64
}

func NewManager(ledger Ledger, peers PeerLocator, src Source, st Settings, bc *events.Broadcaster, opts Options) *Manager {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 3
	}
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = 10
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 500 * time.Millisecond
	}
	if bc == nil {
		bc = events.NewBroadcaster()
	}
	return &Manager{
		ledger:   ledger,
		peers:    peers,
		src:      src,
		settings: st,
		events:   bc,
		opts:     opts,
		now:      time.Now,
		base:     context.Background(),
		active:   make(map[string]*transfer),
		writers:  make(map[string]chan struct{}),
	}
}

func (m *Manager) Events() *events.Broadcaster { return m.events }

// Start binds transfers to ctx and recovers records left by a previous run:
// downloading records become queued and every queued record is re-admitted
// in creation order.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.base = ctx
	m.mu.Unlock()

	if err := os.MkdirAll(m.opts.Dir, 0o755); err != nil {
		return fmt.Errorf("downloads dir: %w: %v", apperr.ErrFilesystem, err)
	}
	all, err := m.ledger.List(ctx)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	var ids []string
	for _, d := range all {
		switch d.Status {
		case types.StatusDownloading:
			d.Status = types.StatusQueued
			if err := m.ledger.Update(ctx, d); err != nil {
				log.Printf("[download] recover %s: %v", d.ID, err)
				continue
			}
			ids = append(ids, d.ID)
		case types.StatusQueued:
			ids = append(ids, d.ID)
		}
	}
	if len(ids) > 0 {
		log.Printf("[download] recovered %d queued download(s)", len(ids))
	}
	m.mu.Lock()
	m.queue = append(m.queue, ids...)
	m.pumpLocked()
	m.mu.Unlock()
	return nil
}

// Wait blocks until every transfer goroutine has exited.
func (m *Manager) Wait() { m.wg.Wait() }

func (m *Manager) List(ctx context.Context) ([]types.Download, error) { return m.ledger.List(ctx) }

func (m *Manager) Get(ctx context.Context, id string) (types.Download, error) {
	return m.ledger.Get(ctx, id)
}

// Find returns the newest record for (fileID, peerID).
func (m *Manager) Find(ctx context.Context, fileID, peerID string) (types.Download, bool, error) {
	return m.ledger.FindBySource(ctx, fileID, peerID)
}

// Enqueue creates a queued record for req and admits it. When a live record
// for the same file and peer exists it is returned with existed=true; a
// failed one is retried instead.
func (m *Manager) Enqueue(ctx context.Context, req Request) (types.Download, bool, error) {
	if req.FileID == "" || req.PeerID == "" {
		return types.Download{}, false, fmt.Errorf("fileId and peerId required: %w", apperr.ErrInvalid)
	}
	if d, ok, err := m.existing(ctx, req); ok || err != nil {
		return d, ok, err
	}

	peer, err := m.peers.Peer(ctx, req.PeerID)
	if err != nil {
		return types.Download{}, false, err
	}
	if req.FileName == "" || req.TotalBytes <= 0 {
		e, err := m.src.Metadata(ctx, peerclient.BaseURL(peer), req.FileID)
		if err != nil {
			return types.Download{}, false, err
		}
		if e.IsFolder() {
			return types.Download{}, false, fmt.Errorf("%s is a folder: %w", e.Name, apperr.ErrInvalid)
		}
		if req.FileName == "" {
			req.FileName = e.Name
		}
		if req.RemotePath == "" {
			req.RemotePath = e.RelativePath
		}
		if req.TotalBytes <= 0 && e.SizeBytes != nil {
			req.TotalBytes = *e.SizeBytes
		}
	}

	m.state.Lock()
	// a concurrent enqueue may have won while metadata was fetched
	if d, ok, err := m.ledger.FindBySource(ctx, req.FileID, req.PeerID); err != nil {
		m.state.Unlock()
		return types.Download{}, false, err
	} else if ok && d.Live() {
		m.state.Unlock()
		return d, true, nil
	}
	d := types.Download{
		ID:             uuid.NewString(),
		SourceFileID:   req.FileID,
		FileName:       req.FileName,
		SourcePeerID:   peer.ID,
		SourcePeerName: peer.DisplayName,
		RemotePath:     req.RemotePath,
		TotalBytes:     req.TotalBytes,
		Status:         types.StatusQueued,
		IsAutoDownload: req.Auto,
		CreatedAt:      m.now().UTC().Truncate(time.Millisecond),
	}
	err = m.ledger.Create(ctx, d)
	m.state.Unlock()
	if err != nil {
		return types.Download{}, false, err
	}

	log.Printf("[download] queued %q from %s (auto=%v)", d.FileName, d.SourcePeerName, d.IsAutoDownload)
	m.emit(types.EventAdded, d, nil)
	m.admit(d.ID)
	return d, false, nil
}

func (m *Manager) existing(ctx context.Context, req Request) (types.Download, bool, error) {
	d, ok, err := m.ledger.FindBySource(ctx, req.FileID, req.PeerID)
	if err != nil || !ok {
		return types.Download{}, false, err
	}
	if d.Live() {
		return d, true, nil
	}
	d, err = m.Retry(ctx, d.ID)
	return d, err == nil, err
}

// Pause stops a queued or running download and keeps its partial file.
func (m *Manager) Pause(ctx context.Context, id string) (types.Download, error) {
	m.state.Lock()
	defer m.state.Unlock()
	d, err := m.ledger.Get(ctx, id)
	if err != nil {
		return types.Download{}, err
	}
	if d.Status != types.StatusQueued && d.Status != types.StatusDownloading {
		return d, fmt.Errorf("cannot pause %s download: %w", d.Status, apperr.ErrConflict)
	}
	if t := m.detach(id); t != nil {
		t.cancel(errPaused)
		d.DownloadedBytes = t.bytes.Load()
	}
	d.Status = types.StatusPaused
	if err := m.ledger.Update(ctx, d); err != nil {
		return d, err
	}
	log.Printf("[download] paused %q at %d bytes", d.FileName, d.DownloadedBytes)
	m.emit(types.EventPaused, d, nil)
	return d, nil
}

// Resume re-admits a paused download.
func (m *Manager) Resume(ctx context.Context, id string) (types.Download, error) {
	return m.requeue(ctx, id, types.StatusPaused)
}

// Retry re-admits a failed download; it continues from the partial file.
func (m *Manager) Retry(ctx context.Context, id string) (types.Download, error) {
	return m.requeue(ctx, id, types.StatusFailed)
}

func (m *Manager) requeue(ctx context.Context, id string, from types.DownloadStatus) (types.Download, error) {
	m.state.Lock()
	d, err := m.ledger.Get(ctx, id)
	if err != nil {
		m.state.Unlock()
		return types.Download{}, err
	}
	if d.Status != from {
		m.state.Unlock()
		return d, fmt.Errorf("download is %s, not %s: %w", d.Status, from, apperr.ErrConflict)
	}
	d.Status = types.StatusQueued
	d.LastError = ""
	err = m.ledger.Update(ctx, d)
	m.state.Unlock()
	if err != nil {
		return d, err
	}
	log.Printf("[download] resumed %q", d.FileName)
	m.emit(types.EventResumed, d, nil)
	m.admit(id)
	return d, nil
}

// Delete cancels a download if it is in flight, discards the partial file,
// removes a completed local file and deletes the record.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.state.Lock()
	d, err := m.ledger.Get(ctx, id)
	if err != nil {
		m.state.Unlock()
		return err
	}
	if t := m.detach(id); t != nil {
		t.cancel(errCancelled)
	}
	m.mu.Lock()
	writer := m.writers[id]
	m.mu.Unlock()
	err = m.ledger.Delete(ctx, id)
	m.state.Unlock()
	if err != nil {
		return err
	}

	if writer != nil {
		select {
		case <-writer:
		case <-ctx.Done():
		}
	}
	if err := removeIfExists(m.partPath(d)); err != nil {
		log.Printf("[download] remove partial %q: %v", d.FileName, err)
	}
	if d.Status == types.StatusCompleted {
		if err := removeIfExists(d.LocalPath); err != nil {
			log.Printf("[download] remove %q: %v", d.LocalPath, err)
		}
		log.Printf("[download] deleted %q", d.FileName)
		m.emit(types.EventDeleted, d, nil)
		return nil
	}
	log.Printf("[download] cancelled %q", d.FileName)
	m.emit(types.EventCancelled, d, nil)
	return nil
}

// Forget removes a record whose local file is already gone. Used by expiry.
// A record deleted concurrently is not reported twice.
func (m *Manager) Forget(ctx context.Context, d types.Download) error {
	m.state.Lock()
	defer m.state.Unlock()
	if err := m.ledger.Delete(ctx, d.ID); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil
		}
		return err
	}
	m.emit(types.EventDeleted, d, nil)
	return nil
}

// ActiveCount reports running and waiting transfers.
func (m *Manager) ActiveCount() (active, queued int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active), len(m.queue)
}

func (m *Manager) admit(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, running := m.active[id]; running || slices.Contains(m.queue, id) {
		return
	}
	m.queue = append(m.queue, id)
	m.pumpLocked()
}

// detach drops id from the queue and the active table, freeing its slot.
func (m *Manager) detach(id string) *transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = slices.DeleteFunc(m.queue, func(q string) bool { return q == id })
	t := m.active[id]
	delete(m.active, id)
	m.pumpLocked()
	return t
}

func (m *Manager) capacity() int {
	if m.settings == nil {
		return m.opts.MaxConcurrent
	}
	n := m.settings.Int(m.base, settings.KeyMaxConcurrentDownloads, m.opts.MaxConcurrent)
	if n <= 0 {
		return m.opts.MaxConcurrent
	}
	return n
}

func (m *Manager) retentionDays(ctx context.Context) int {
	if m.settings == nil {
		return m.opts.RetentionDays
	}
	n := m.settings.Int(ctx, settings.KeyRetentionDays, m.opts.RetentionDays)
	if n <= 0 {
		return m.opts.RetentionDays
	}
	return n
}

func (m *Manager) pumpLocked() {
	limit := m.capacity()
	for len(m.active) < limit && len(m.queue) > 0 {
		id := m.queue[0]
		m.queue = m.queue[1:]

		ctx, cancel := context.WithCancelCause(m.base)
		t := &transfer{cancel: cancel, done: make(chan struct{})}
		prev := m.writers[id]
		m.writers[id] = t.done
		m.active[id] = t
		m.wg.Add(1)
		go m.run(ctx, id, t, prev)
	}
	metrics.SetTransfers(len(m.active), len(m.queue))
}

func (m *Manager) release(id string, t *transfer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[id] == t {
		delete(m.active, id)
	}
	if m.writers[id] == t.done {
		delete(m.writers, id)
	}
	m.pumpLocked()
}

func (m *Manager) run(ctx context.Context, id string, t *transfer, prev chan struct{}) {
	defer m.wg.Done()
	defer close(t.done)
	defer m.release(id, t)
	defer t.cancel(nil)

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return
		}
	}

	d, ok := m.begin(ctx, id)
	if !ok {
		return
	}
	t.bytes.Store(d.DownloadedBytes)

	got, err := m.fetch(ctx, &d, t)
	if err == nil {
		m.complete(ctx, d, got)
		return
	}
	switch cause := context.Cause(ctx); {
	case errors.Is(cause, errPaused):
		m.settle(d.ID, t.bytes.Load(), types.StatusPaused)
	case errors.Is(cause, errCancelled):
	case ctx.Err() != nil:
		// shutdown: keep the status, recovery requeues it
		m.settle(d.ID, t.bytes.Load(), types.StatusDownloading)
	default:
		m.fail(ctx, d, t.bytes.Load(), err)
	}
}

// begin moves a queued record to downloading.
func (m *Manager) begin(ctx context.Context, id string) (types.Download, bool) {
	m.state.Lock()
	defer m.state.Unlock()
	if ctx.Err() != nil {
		return types.Download{}, false
	}
	d, err := m.ledger.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			log.Printf("[download] load %s: %v", id, err)
		}
		return types.Download{}, false
	}
	if d.Status != types.StatusQueued {
		return d, false
	}
	now := m.now().UTC().Truncate(time.Millisecond)
	d.Status = types.StatusDownloading
	if d.StartedAt == nil {
		d.StartedAt = &now
	}
	d.LastError = ""
	if err := m.ledger.Update(ctx, d); err != nil {
		log.Printf("[download] start %s: %v", id, err)
		return d, false
	}
	log.Printf("[download] started %q from %s", d.FileName, d.SourcePeerName)
	m.emit(types.EventStarted, d, nil)
	return d, true
}

func (m *Manager) complete(ctx context.Context, d types.Download, got int64) {
	m.state.Lock()
	defer m.state.Unlock()
	if ctx.Err() != nil {
		return
	}
	final, err := m.finalPath(ctx, d)
	if err != nil {
		m.failLocked(d, got, fmt.Errorf("pick local name: %w", err))
		return
	}
	if err := removeIfExists(final); err != nil {
		m.failLocked(d, got, fmt.Errorf("replace %s: %w: %v", final, apperr.ErrFilesystem, err))
		return
	}
	if err := os.Rename(m.partPath(d), final); err != nil {
		m.failLocked(d, got, fmt.Errorf("finalize: %w: %v", apperr.ErrFilesystem, err))
		return
	}

	now := m.now().UTC().Truncate(time.Millisecond)
	exp := now.AddDate(0, 0, m.retentionDays(ctx))
	if d.TotalBytes <= 0 {
		d.TotalBytes = got
	}
	d.DownloadedBytes = d.TotalBytes
	d.Status = types.StatusCompleted
	d.LocalPath = final
	d.CompletedAt = &now
	d.ExpiresAt = &exp
	d.LastError = ""
	if err := m.ledger.Update(context.WithoutCancel(ctx), d); err != nil {
		log.Printf("[download] persist completion of %s: %v", d.ID, err)
	}
	metrics.RecordDownloadFinished(true)
	log.Printf("[download] completed %q -> %s (expires %s)", d.FileName, final, exp.Format(time.DateOnly))
	m.emit(types.EventCompleted, d, nil)
}

func (m *Manager) fail(ctx context.Context, d types.Download, got int64, cause error) {
	m.state.Lock()
	defer m.state.Unlock()
	if ctx.Err() != nil {
		return
	}
	m.failLocked(d, got, cause)
}

func (m *Manager) failLocked(d types.Download, got int64, cause error) {
	d.Status = types.StatusFailed
	d.DownloadedBytes = got
	d.LastError = cause.Error()
	if err := m.ledger.Update(context.Background(), d); err != nil {
		log.Printf("[download] persist failure of %s: %v", d.ID, err)
	}
	metrics.RecordDownloadFinished(false)
	log.Printf("[download] failed %q: %v", d.FileName, cause)
	m.emit(types.EventFailed, d, cause)
}

// settle records the byte count of an interrupted transfer if the record is
// still in the expected status.
func (m *Manager) settle(id string, got int64, want types.DownloadStatus) {
	m.state.Lock()
	defer m.state.Unlock()
	ctx := context.Background()
	d, err := m.ledger.Get(ctx, id)
	if err != nil || d.Status != want {
		return
	}
	if err := m.ledger.UpdateProgress(ctx, id, got); err != nil {
		log.Printf("[download] persist progress of %s: %v", id, err)
	}
}

func (m *Manager) emit(typ types.DownloadEventType, d types.Download, err error) {
	ev := types.DownloadEvent{Type: typ, Download: d}
	if err != nil {
		ev.Error = err.Error()
	}
	m.events.Publish(ev)
}

// finalPath picks the local name for a finished download: the remote file
// name, or "name (n).ext" when another record already owns that path. A file
// on disk that no record owns is replaced. Callers hold m.state.
func (m *Manager) finalPath(ctx context.Context, d types.Download) (string, error) {
	all, err := m.ledger.List(ctx)
	if err != nil {
		return "", err
	}
	owned := make(map[string]bool, len(all))
	for _, o := range all {
		if o.ID != d.ID && o.LocalPath != "" {
			owned[filepath.Clean(o.LocalPath)] = true
		}
	}
	name := safeFileName(d)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	p := filepath.Join(m.opts.Dir, name)
	for n := 2; owned[p]; n++ {
		p = filepath.Join(m.opts.Dir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
	}
	return p, nil
}

// partPath is keyed by record id so same-named sources never share bytes.
func (m *Manager) partPath(d types.Download) string {
	return filepath.Join(m.opts.Dir, d.ID+".part")
}

func removeIfExists(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
