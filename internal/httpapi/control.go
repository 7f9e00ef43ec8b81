package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"peershare/internal/apperr"
	"peershare/internal/downloads"
	"peershare/internal/events"
	"peershare/internal/metrics"
	"peershare/internal/middleware"
	"peershare/internal/settings"
	"peershare/pkg/types"
)

type PeerDirectory interface {
	Peers(ctx context.Context) []types.PeerDevice
}

type DownloadQueue interface {
	List(ctx context.Context) ([]types.Download, error)
	Enqueue(ctx context.Context, req downloads.Request) (types.Download, bool, error)
	Pause(ctx context.Context, id string) (types.Download, error)
	Resume(ctx context.Context, id string) (types.Download, error)
	Retry(ctx context.Context, id string) (types.Download, error)
	Delete(ctx context.Context, id string) error
	Events() *events.Broadcaster
}

type AutoDownloader interface {
	OnPlay(ctx context.Context, peerID, fileID string) (*types.AutoDownloadBatch, error)
	Batches() []types.AutoDownloadBatch
}

type Expiry interface {
	RunNow(ctx context.Context) (int, error)
	ExpiredCount(ctx context.Context) (int, error)
}

type SettingsStore interface {
	All(ctx context.Context) (map[string]string, error)
	Set(ctx context.Context, key, value string) error
}

// Leases serves the playback lease endpoints.
type Leases interface {
	HandleOpen(w http.ResponseWriter, r *http.Request)
	HandlePing(w http.ResponseWriter, r *http.Request)
	HandleClose(w http.ResponseWriter, r *http.Request)
}

// Control is the local API used by the front-end.
type Control struct {
	Peers     PeerDirectory
	Downloads DownloadQueue
	Auto      AutoDownloader
	Expiry    Expiry
	Settings  SettingsStore
	Watch     Leases
}

func (c *Control) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /peers", c.handlePeers)

	mux.HandleFunc("GET /downloads", c.handleDownloads)
	mux.HandleFunc("POST /downloads", c.handleEnqueue)
	mux.HandleFunc("POST /downloads/{id}/pause", c.transition(DownloadQueue.Pause))
	mux.HandleFunc("POST /downloads/{id}/resume", c.transition(DownloadQueue.Resume))
	mux.HandleFunc("POST /downloads/{id}/retry", c.transition(DownloadQueue.Retry))
	mux.HandleFunc("DELETE /downloads/{id}", c.handleDelete)
	mux.HandleFunc("GET /downloads/events", c.handleEvents)

	mux.HandleFunc("POST /autodownload/play", c.handlePlay)
	mux.HandleFunc("GET /autodownload/batches", c.handleBatches)

	mux.HandleFunc("POST /expiry/run", c.handleExpiryRun)
	mux.HandleFunc("GET /expiry/count", c.handleExpiryCount)

	if c.Watch != nil {
		mux.HandleFunc("POST /watch/open", c.Watch.HandleOpen)
		mux.HandleFunc("POST /watch/ping", c.Watch.HandlePing)
		mux.HandleFunc("GET /watch/ping", c.Watch.HandlePing)
		mux.HandleFunc("POST /watch/close", c.Watch.HandleClose)
	}

	mux.HandleFunc("GET /settings", c.handleSettings)
	mux.HandleFunc("PUT /settings/{key}", c.handlePutSetting)

	mux.Handle("GET /metrics", metrics.Handler())
}

func (c *Control) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers := c.Peers.Peers(r.Context())
	if peers == nil {
		peers = []types.PeerDevice{}
	}
	writeJSON(w, peers)
}

func (c *Control) handleDownloads(w http.ResponseWriter, r *http.Request) {
	list, err := c.Downloads.List(r.Context())
	if err != nil {
		apperr.Write(w, err)
		return
	}
	if list == nil {
		list = []types.Download{}
	}
	writeJSON(w, list)
}

func (c *Control) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req downloads.Request
	if err := decodeBody(r, &req); err != nil {
		apperr.Write(w, err)
		return
	}
	d, existed, err := c.Downloads.Enqueue(r.Context(), req)
	if err != nil {
		apperr.Write(w, err)
		return
	}
	status := http.StatusCreated
	if existed {
		status = http.StatusOK
	}
	writeJSONStatus(w, status, d)
}

func (c *Control) transition(op func(DownloadQueue, context.Context, string) (types.Download, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := op(c.Downloads, r.Context(), r.PathValue("id"))
		if err != nil {
			apperr.Write(w, err)
			return
		}
		writeJSON(w, d)
	}
}

func (c *Control) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := c.Downloads.Delete(r.Context(), r.PathValue("id")); err != nil {
		apperr.Write(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || middleware.LocalOrigin(origin)
	},
}

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// handleEvents streams download events as JSON text frames until the client
// goes away.
func (c *Control) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[http] events upgrade: %v", err)
		return
	}
	defer conn.Close()

	bc := c.Downloads.Events()
	ch := bc.Subscribe()
	defer bc.Unsubscribe(ch)

	// reader: only needed to notice the close frame
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

type playRequest struct {
	PeerID string `json:"peerId"`
	FileID string `json:"fileId"`
}

func (c *Control) handlePlay(w http.ResponseWriter, r *http.Request) {
	var req playRequest
	if err := decodeBody(r, &req); err != nil {
		apperr.Write(w, err)
		return
	}
	b, err := c.Auto.OnPlay(r.Context(), req.PeerID, req.FileID)
	if err != nil {
		apperr.Write(w, err)
		return
	}
	if b == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSONStatus(w, http.StatusCreated, b)
}

func (c *Control) handleBatches(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, c.Auto.Batches())
}

func (c *Control) handleExpiryRun(w http.ResponseWriter, r *http.Request) {
	n, err := c.Expiry.RunNow(r.Context())
	if err != nil {
		apperr.Write(w, err)
		return
	}
	writeJSON(w, map[string]int{"deleted": n})
}

func (c *Control) handleExpiryCount(w http.ResponseWriter, r *http.Request) {
	n, err := c.Expiry.ExpiredCount(r.Context())
	if err != nil {
		apperr.Write(w, err)
		return
	}
	writeJSON(w, map[string]int{"expired": n})
}

func (c *Control) handleSettings(w http.ResponseWriter, r *http.Request) {
	all, err := c.Settings.All(r.Context())
	if err != nil {
		apperr.Write(w, err)
		return
	}
	writeJSON(w, all)
}

// handlePutSetting accepts {"value": ...} with a string, number or bool.
func (c *Control) handlePutSetting(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	var body struct {
		Value any `json:"value"`
	}
	if err := decodeBody(r, &body); err != nil {
		apperr.Write(w, err)
		return
	}
	value, err := validateSetting(key, body.Value)
	if err != nil {
		apperr.Write(w, err)
		return
	}
	if err := c.Settings.Set(r.Context(), key, value); err != nil {
		apperr.Write(w, err)
		return
	}
	log.Printf("[http] setting %s = %q", key, value)
	writeJSON(w, map[string]string{"key": key, "value": value})
}

func validateSetting(key string, v any) (string, error) {
	if v == nil {
		return "", fmt.Errorf("value required: %w", apperr.ErrInvalid)
	}
	s := strings.TrimSpace(fmt.Sprint(v))
	switch key {
	case settings.KeyRetentionDays, settings.KeyMaxConcurrentDownloads:
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return "", fmt.Errorf("%s must be a positive integer: %w", key, apperr.ErrInvalid)
		}
		return strconv.Itoa(n), nil
	case settings.KeyAutoDownloadEnabled:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return "", fmt.Errorf("%s must be true or false: %w", key, apperr.ErrInvalid)
		}
		return strconv.FormatBool(b), nil
	case settings.KeyDeviceName:
		if s == "" {
			return "", fmt.Errorf("%s must not be empty: %w", key, apperr.ErrInvalid)
		}
		return s, nil
	default:
		return "", fmt.Errorf("setting %q is not writable: %w", key, apperr.ErrInvalid)
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 64<<10))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("bad request body: %w: %v", apperr.ErrInvalid, err)
	}
	return nil
}
