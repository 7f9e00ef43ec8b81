// Package autodl queues the next episodes of whatever is being played.
package autodl

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"peershare/internal/apperr"
	"peershare/internal/downloads"
	"peershare/internal/episode"
	"peershare/internal/metrics"
	"peershare/internal/peerclient"
	"peershare/internal/settings"
	"peershare/pkg/types"
)

// Catalog is the browse side of a peer; *peerclient.Client implements it.
type Catalog interface {
	Metadata(ctx context.Context, base, id string) (types.MediaEntry, error)
	Siblings(ctx context.Context, base, id string) ([]types.MediaEntry, error)
}

// Queue is the download manager as seen by the engine.
type Queue interface {
	Find(ctx context.Context, fileID, peerID string) (types.Download, bool, error)
	Enqueue(ctx context.Context, req downloads.Request) (types.Download, bool, error)
}

type Settings interface {
	Bool(ctx context.Context, key string, def bool) bool
}

const keepBatches = 32

type trigger struct{ peerID, fileID string }

type Engine struct {
	peers    downloads.PeerLocator
	catalog  Catalog
	queue    Queue
	settings Settings
	next     int
	timeout  time.Duration

	mu      sync.Mutex
	current trigger
	batches []types.AutoDownloadBatch // oldest first
}

// New returns an engine that queues the played file plus up to next
// follow-ups.
func New(peers downloads.PeerLocator, catalog Catalog, queue Queue, st Settings, next int) *Engine {
	if next <= 0 {
		next = 2
	}
	return &Engine{peers: peers, catalog: catalog, queue: queue, settings: st, next: next, timeout: time.Minute}
}

func (e *Engine) enabled(ctx context.Context) bool {
	if e.settings == nil {
		return true
	}
	return e.settings.Bool(ctx, settings.KeyAutoDownloadEnabled, true)
}

// OnPlay reacts to playback of fileID on peerID. It returns nil without error
// when auto-download is off, the same file is already the trigger, or the
// batch was abandoned because the peer could not be reached. Only invalid
// requests are reported as errors.
func (e *Engine) OnPlay(ctx context.Context, peerID, fileID string) (*types.AutoDownloadBatch, error) {
	if peerID == "" || fileID == "" {
		return nil, fmt.Errorf("peerId and fileId required: %w", apperr.ErrInvalid)
	}
	if !e.enabled(ctx) {
		return nil, nil
	}
	key := trigger{peerID, fileID}
	e.mu.Lock()
	if e.current == key {
		e.mu.Unlock()
		return nil, nil
	}
	e.current = key
	e.mu.Unlock()

	b, err := e.plan(ctx, key)
	if err != nil {
		e.Forget(peerID, fileID)
		log.Printf("[autodl] %s on %s: %v", fileID, peerID, err)
		if errors.Is(err, apperr.ErrInvalid) {
			return nil, err
		}
		// peer and network failures only cost the prefetch
		return nil, nil
	}

	e.mu.Lock()
	e.batches = append(e.batches, *b)
	if len(e.batches) > keepBatches {
		e.batches = e.batches[len(e.batches)-keepBatches:]
	}
	e.mu.Unlock()
	metrics.RecordAutoBatch(string(b.DetectionMethod))
	return b, nil
}

// Trigger runs OnPlay in the background.
func (e *Engine) Trigger(peerID, fileID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()
		_, _ = e.OnPlay(ctx, peerID, fileID)
	}()
}

// Forget clears the current trigger if it is (peerID, fileID), so playing
// the same file again starts a new batch.
func (e *Engine) Forget(peerID, fileID string) {
	e.mu.Lock()
	if e.current == (trigger{peerID, fileID}) {
		e.current = trigger{}
	}
	e.mu.Unlock()
}

// Batches returns recent batches, newest first.
func (e *Engine) Batches() []types.AutoDownloadBatch {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.AutoDownloadBatch, len(e.batches))
	for i, b := range e.batches {
		out[len(out)-1-i] = b
	}
	return out
}

func (e *Engine) plan(ctx context.Context, key trigger) (*types.AutoDownloadBatch, error) {
	peer, err := e.peers.Peer(ctx, key.peerID)
	if err != nil {
		return nil, err
	}
	base := peerclient.BaseURL(peer)
	current, err := e.catalog.Metadata(ctx, base, key.fileID)
	if err != nil {
		return nil, err
	}
	if current.IsFolder() {
		return nil, fmt.Errorf("%s is a folder: %w", current.Name, apperr.ErrInvalid)
	}
	siblings, err := e.catalog.Siblings(ctx, base, key.fileID)
	if err != nil {
		return nil, err
	}

	selected, method := episode.Select(current, siblings, e.next)
	b := &types.AutoDownloadBatch{
		ID:               uuid.NewString(),
		TriggeringFileID: key.fileID,
		PeerID:           peer.ID,
		DetectionMethod:  method,
		CreatedAt:        time.Now().UTC(),
	}
	queued := 0
	for _, entry := range selected {
		b.MemberFileIDs = append(b.MemberFileIDs, entry.ID)
		if d, ok, err := e.queue.Find(ctx, entry.ID, peer.ID); err != nil {
			return nil, err
		} else if ok && d.Live() {
			continue
		}
		req := downloads.Request{
			FileID:     entry.ID,
			PeerID:     peer.ID,
			FileName:   entry.Name,
			RemotePath: entry.RelativePath,
			Auto:       true,
		}
		if entry.SizeBytes != nil {
			req.TotalBytes = *entry.SizeBytes
		}
		if _, _, err := e.queue.Enqueue(ctx, req); err != nil {
			return nil, err
		}
		queued++
	}
	log.Printf("[autodl] %q on %s: %d selected, %d queued (%s)", current.Name, peer.DisplayName, len(selected), queued, method)
	return b, nil
}
