package discovery

import (
	"sort"
	"strings"
	"time"

	"peershare/pkg/types"
)

// table is the peer list. It is only touched by the service loop goroutine.
type table struct {
	peers     map[string]*types.PeerDevice // endpoint -> peer
	instances map[string]string            // advertised instance -> endpoint
	liveness  time.Duration
}

func newTable(liveness time.Duration) *table {
	return &table{
		peers:     make(map[string]*types.PeerDevice),
		instances: make(map[string]string),
		liveness:  liveness,
	}
}

// observe records a sighting and returns the resulting entry and whether it
// is new. One entry per endpoint: the latest id wins, and a name taken from
// the raw instance string never replaces a proper one.
func (t *table) observe(instance string, p types.PeerDevice, now time.Time) (types.PeerDevice, bool) {
	ep := p.Endpoint()

	if p.ID != "" {
		for k, old := range t.peers {
			if k != ep && old.ID == p.ID {
				delete(t.peers, k) // same device, new address
			}
		}
	}
	if instance != "" {
		t.instances[instance] = ep
	}

	cur, ok := t.peers[ep]
	if !ok {
		p.State = types.PeerAnnounced
		p.Online = true
		p.LastSeenAt = now
		t.peers[ep] = &p
		return p, true
	}

	if p.ID != "" {
		cur.ID = p.ID
	}
	if !(p.NameIsFallback && !cur.NameIsFallback) && p.DisplayName != "" {
		cur.DisplayName = p.DisplayName
		cur.NameIsFallback = p.NameIsFallback
	}
	if p.Platform != "" {
		cur.Platform = p.Platform
	}
	if p.Version != "" {
		cur.Version = p.Version
	}
	cur.LastSeenAt = now
	cur.Online = true
	cur.State = types.PeerActive
	return *cur, false
}

// goodbye drops the peer announced under instance.
func (t *table) goodbye(instance string) (types.PeerDevice, bool) {
	ep, ok := t.instances[instance]
	delete(t.instances, instance)
	if !ok {
		return types.PeerDevice{}, false
	}
	return t.remove(ep)
}

func (t *table) remove(ep string) (types.PeerDevice, bool) {
	p, ok := t.peers[ep]
	if !ok {
		return types.PeerDevice{}, false
	}
	delete(t.peers, ep)
	for inst, e := range t.instances {
		if e == ep {
			delete(t.instances, inst)
		}
	}
	gone := *p
	gone.Online = false
	gone.State = types.PeerOffline
	return gone, true
}

// retain removes peers whose instances are all missing from seen, the set
// of instances answered during one complete browse cycle.
func (t *table) retain(seen map[string]bool) []types.PeerDevice {
	keep := make(map[string]bool)
	for inst, ep := range t.instances {
		if seen[inst] {
			keep[ep] = true
		}
	}
	var gone []types.PeerDevice
	for inst, ep := range t.instances {
		if seen[inst] {
			continue
		}
		delete(t.instances, inst)
		if keep[ep] {
			continue
		}
		if g, ok := t.remove(ep); ok {
			gone = append(gone, g)
		}
	}
	return gone
}

// sweep removes peers not seen within the liveness window.
func (t *table) sweep(now time.Time) []types.PeerDevice {
	var gone []types.PeerDevice
	for ep, p := range t.peers {
		if now.Sub(p.LastSeenAt) > t.liveness {
			if g, ok := t.remove(ep); ok {
				gone = append(gone, g)
			}
		}
	}
	return gone
}

func (t *table) snapshot() []types.PeerDevice {
	out := make([]types.PeerDevice, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := strings.ToLower(out[i].DisplayName), strings.ToLower(out[j].DisplayName)
		if a != b {
			return a < b
		}
		return out[i].Endpoint() < out[j].Endpoint()
	})
	return out
}
