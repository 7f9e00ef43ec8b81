package watch

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

/*
Playback lease manager. The front-end opens a lease when it starts playing a
remote file, pings it while playing and closes it when done. You provide:
  - Ensure(key) error  // playback started (auto-download trigger)
  - Stop(key)          // last lease for key is gone
*/

type Key struct {
	PeerID string
	FileID string
}

func (k Key) String() string {
	return k.PeerID + "|" + k.FileID
}

type Manager struct {
	mu         sync.Mutex
	entries    map[string]*entry // key.String() -> entry
	leaseToKey map[string]string // leaseID -> key.String()
	Ensure     func(Key) error
	Stop       func(Key)
	staleAfter time.Duration
	tickerIntv time.Duration
	stopCh     chan struct{}
	stopOnce   sync.Once
}

type entry struct {
	key      Key
	leases   map[string]time.Time // leaseID -> lastSeen
	lastSeen time.Time
}

func NewManager(staleAfter, tickerIntv time.Duration, ensure func(Key) error, stop func(Key)) *Manager {
	m := &Manager{
		entries:    make(map[string]*entry),
		leaseToKey: make(map[string]string),
		Ensure:     ensure,
		Stop:       stop,
		staleAfter: staleAfter,
		tickerIntv: tickerIntv,
		stopCh:     make(chan struct{}),
	}
	go m.reaper()
	return m
}

func (m *Manager) Shutdown() { m.stopOnce.Do(func() { close(m.stopCh) }) }

func (m *Manager) reaper() {
	t := time.NewTicker(m.tickerIntv)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.reap(time.Now())
		case <-m.stopCh:
			return
		}
	}
}

// reap drops stale leases and stops keys left without any.
func (m *Manager) reap(now time.Time) {
	var toStop []Key
	m.mu.Lock()
	for ks, e := range m.entries {
		for id, seen := range e.leases {
			if now.Sub(seen) > m.staleAfter {
				delete(e.leases, id)
				delete(m.leaseToKey, id)
			}
		}
		e.lastSeen = time.Time{}
		for _, seen := range e.leases {
			if seen.After(e.lastSeen) {
				e.lastSeen = seen
			}
		}
		if len(e.leases) == 0 {
			toStop = append(toStop, e.key)
			delete(m.entries, ks)
		}
	}
	m.mu.Unlock()

	for _, k := range toStop {
		log.Printf("[watch] reaper: stopping %s (all leases expired or closed)", k.String())
		if m.Stop != nil {
			safely(func() { m.Stop(k) })
		}
	}
}

func safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[watch] stop callback panicked: %v", r)
		}
	}()
	fn()
}

// KeyFromRequest reads peerId and fileId from the query or a JSON body.
func KeyFromRequest(r *http.Request) Key {
	q := r.URL.Query()
	k := Key{PeerID: strings.TrimSpace(q.Get("peerId")), FileID: strings.TrimSpace(q.Get("fileId"))}
	if (k.PeerID == "" || k.FileID == "") && r.Body != nil {
		var b struct {
			PeerID string `json:"peerId"`
			FileID string `json:"fileId"`
		}
		_ = json.NewDecoder(io.LimitReader(r.Body, 4<<10)).Decode(&b)
		if k.PeerID == "" {
			k.PeerID = strings.TrimSpace(b.PeerID)
		}
		if k.FileID == "" {
			k.FileID = strings.TrimSpace(b.FileID)
		}
	}
	return k
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// --- Public methods used by HTTP handlers ---

func (m *Manager) Open(_ context.Context, k Key) (leaseID string, err error) {
	if m.Ensure != nil {
		if err = m.Ensure(k); err != nil {
			log.Printf("[watch] Open: Ensure failed for %s: %v", k.String(), err)
			return "", err
		}
	}
	id := uuid.NewString()
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	ks := k.String()
	e := m.entries[ks]
	if e == nil {
		e = &entry{key: k, leases: make(map[string]time.Time), lastSeen: now}
		m.entries[ks] = e
		log.Printf("[watch] Open: playing %s", ks)
	}
	e.leases[id] = now
	e.lastSeen = now
	m.leaseToKey[id] = ks
	log.Printf("[watch] Open: lease %s for %s (total leases: %d)", short(id), ks, len(e.leases))
	return id, nil
}

func (m *Manager) Ping(_ context.Context, leaseID string) bool {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	ks, ok := m.leaseToKey[leaseID]
	if !ok {
		return false
	}
	if e, ok := m.entries[ks]; ok {
		e.leases[leaseID] = now
		if now.After(e.lastSeen) {
			e.lastSeen = now
		}
		return true
	}
	return false
}

func (m *Manager) Close(_ context.Context, leaseID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ks, ok := m.leaseToKey[leaseID]
	if !ok {
		return false
	}
	delete(m.leaseToKey, leaseID)
	e, ok := m.entries[ks]
	if !ok {
		return false
	}
	delete(e.leases, leaseID)
	// the reaper stops the key so a quick reload keeps it alive
	return true
}

// Active lists keys with at least one lease.
func (m *Manager) Active() []Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Key, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.key)
	}
	return out
}

// --- HTTP handlers ---

func (m *Manager) HandleOpen(w http.ResponseWriter, r *http.Request) {
	k := KeyFromRequest(r)
	if k.PeerID == "" || k.FileID == "" {
		http.Error(w, "peerId and fileId required", http.StatusBadRequest)
		return
	}
	lease, err := m.Open(r.Context(), k)
	if err != nil {
		http.Error(w, "ensure failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]string{"leaseId": lease})
}

func (m *Manager) HandlePing(w http.ResponseWriter, r *http.Request) {
	lease := r.URL.Query().Get("leaseId")
	if lease == "" && r.Method == http.MethodPost {
		// JSON body or sendBeacon body
		var b struct {
			LeaseId string `json:"leaseId"`
		}
		_ = json.NewDecoder(r.Body).Decode(&b)
		lease = b.LeaseId
	}
	if lease == "" {
		http.Error(w, "missing leaseId", http.StatusBadRequest)
		return
	}
	if ok := m.Ping(r.Context(), lease); !ok {
		log.Printf("[watch] Ping: unknown lease %s", short(lease))
		http.Error(w, "unknown lease", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *Manager) HandleClose(w http.ResponseWriter, r *http.Request) {
	lease := r.URL.Query().Get("leaseId")
	if lease == "" && r.Body != nil {
		// sendBeacon: raw id or "leaseId=..."
		defer r.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(r.Body, 512))
		data := strings.TrimSpace(string(raw))
		if strings.HasPrefix(data, "{") {
			var b struct {
				LeaseId string `json:"leaseId"`
			}
			_ = json.Unmarshal([]byte(data), &b)
			lease = b.LeaseId
		} else {
			lease = strings.TrimPrefix(data, "leaseId=")
		}
	}
	if lease == "" {
		http.Error(w, "missing leaseId", http.StatusBadRequest)
		return
	}
	_ = m.Close(r.Context(), lease)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
