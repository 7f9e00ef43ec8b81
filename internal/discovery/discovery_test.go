package discovery

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"

	"peershare/pkg/types"
)

func TestInstanceCodec(t *testing.T) {
	enc := EncodeInstance("Living Room", 8765, "192.168.1.40")
	name, port, ip, ok := DecodeInstance(enc)
	if !ok || name != "Living Room" || port != 8765 || ip != "192.168.1.40" {
		t.Fatalf("round trip = %q %d %q %v", name, port, ip, ok)
	}

	// names may contain the separator themselves
	name, _, _, ok = DecodeInstance("my__box__8765__10.0.0.2")
	if !ok || name != "my__box" {
		t.Fatalf("nested separator name = %q, %v", name, ok)
	}

	for _, bad := range []string{
		"plain name",
		"box__0__10.0.0.2",
		"box__70000__10.0.0.2",
		"box__http__10.0.0.2",
		"box__8765__10.0.2",
		"box__8765__fe80::1",
		"box__8765__host.local",
	} {
		if _, _, _, ok := DecodeInstance(bad); ok {
			t.Errorf("DecodeInstance(%q) should fail", bad)
		}
	}
}

func TestParseText(t *testing.T) {
	m := ParseText(BuildText("dev-1", "1", "linux", "Den", 9000))
	if m["id"] != "dev-1" || m["v"] != "1" || m["platform"] != "linux" || m["name"] != "Den" || m["port"] != "9000" {
		t.Fatalf("ParseText = %v", m)
	}
	if got := ParseText([]string{"novalue", "=x", "k=a=b"}); len(got) != 1 || got["k"] != "a=b" {
		t.Fatalf("ParseText(odd) = %v", got)
	}
}

func TestUnescapeInstance(t *testing.T) {
	if got := unescapeInstance(`My\ Laptop\032two`); got != "My Laptop two" {
		t.Fatalf("unescape = %q", got)
	}
}

func TestTableDedupByEndpoint(t *testing.T) {
	now := time.Now()
	tbl := newTable(90 * time.Second)

	fallback := types.PeerDevice{ID: "a", DisplayName: "den__8765__10.0.0.2", NameIsFallback: true, Address: "10.0.0.2", Port: 8765}
	proper := types.PeerDevice{ID: "a", DisplayName: "Den", Address: "10.0.0.2", Port: 8765}

	if _, isNew := tbl.observe("i1", proper, now); !isNew {
		t.Fatal("first sighting should be new")
	}
	p, isNew := tbl.observe("i2", fallback, now.Add(time.Second))
	if isNew {
		t.Fatal("same endpoint must not create a second entry")
	}
	if p.DisplayName != "Den" {
		t.Fatalf("fallback name replaced a proper one: %q", p.DisplayName)
	}
	if p.State != types.PeerActive {
		t.Fatalf("re-announced peer state = %s", p.State)
	}

	// newest id wins
	renamed := proper
	renamed.ID = "b"
	p, _ = tbl.observe("i1", renamed, now.Add(2*time.Second))
	if p.ID != "b" || len(tbl.peers) != 1 {
		t.Fatalf("id = %q, entries = %d", p.ID, len(tbl.peers))
	}

	// same address, different port stays separate
	other := types.PeerDevice{ID: "c", DisplayName: "Den 2", Address: "10.0.0.2", Port: 9000}
	tbl.observe("i3", other, now)
	if len(tbl.peers) != 2 {
		t.Fatalf("entries = %d, want 2", len(tbl.peers))
	}
}

func TestTableSweepAndGoodbye(t *testing.T) {
	now := time.Now()
	tbl := newTable(time.Minute)
	tbl.observe("old", types.PeerDevice{ID: "o", DisplayName: "Old", Address: "10.0.0.3", Port: 1}, now.Add(-2*time.Minute))
	tbl.observe("new", types.PeerDevice{ID: "n", DisplayName: "New", Address: "10.0.0.4", Port: 1}, now)

	gone := tbl.sweep(now)
	if len(gone) != 1 || gone[0].ID != "o" || gone[0].State != types.PeerOffline || gone[0].Online {
		t.Fatalf("sweep = %+v", gone)
	}

	if _, ok := tbl.goodbye("new"); !ok {
		t.Fatal("goodbye should remove the peer")
	}
	if len(tbl.snapshot()) != 0 {
		t.Fatal("table should be empty")
	}
}

func TestTableRetain(t *testing.T) {
	now := time.Now()
	tbl := newTable(time.Hour)
	tbl.observe("tv", types.PeerDevice{ID: "tv", Address: "10.0.0.2", Port: 1}, now)
	tbl.observe("radio", types.PeerDevice{ID: "radio", Address: "10.0.0.3", Port: 1}, now)
	tbl.observe("Den", types.PeerDevice{ID: "den", Address: "10.0.0.4", Port: 1}, now)
	tbl.observe("Den (renamed)", types.PeerDevice{ID: "den", Address: "10.0.0.4", Port: 1}, now)

	gone := tbl.retain(map[string]bool{"tv": true, "Den (renamed)": true})
	if len(gone) != 1 || gone[0].ID != "radio" || gone[0].Online {
		t.Fatalf("gone = %+v", gone)
	}
	if len(tbl.snapshot()) != 2 {
		t.Fatalf("snapshot = %+v", tbl.snapshot())
	}
}

type fakeBrowser struct {
	obs []Observation
}

func (f fakeBrowser) Browse(ctx context.Context, service string, out chan<- Observation) error {
	for _, o := range f.obs {
		select {
		case out <- o:
		case <-ctx.Done():
			return nil
		}
	}
	<-ctx.Done()
	return nil
}

// cycleBrowser answers with rounds[i] on the i-th browse cycle and repeats
// the last round afterwards.
type cycleBrowser struct {
	rounds [][]Observation
	calls  atomic.Int32
}

func (c *cycleBrowser) Browse(ctx context.Context, service string, out chan<- Observation) error {
	i := int(c.calls.Add(1)) - 1
	if i >= len(c.rounds) {
		i = len(c.rounds) - 1
	}
	return fakeBrowser{obs: c.rounds[i]}.Browse(ctx, service, out)
}

type fakeResolver map[string]string

func (f fakeResolver) Resolve(ctx context.Context, host string) (net.IP, error) {
	return net.ParseIP(f[host]), nil
}

func waitPeers(t *testing.T, s *Service, n int) []types.PeerDevice {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ps := s.Peers(context.Background())
		if len(ps) == n {
			return ps
		}
		time.Sleep(10 * time.Millisecond)
	}
	ps := s.Peers(context.Background())
	t.Fatalf("peers = %+v, want %d", ps, n)
	return nil
}

func TestServiceFiltersSelfAndResolves(t *testing.T) {
	br := fakeBrowser{obs: []Observation{
		// ourselves by id
		{Instance: "me", Port: 8765, Text: BuildText("self", "1", "linux", "Me", 8765), AddrIPv4: []net.IP{net.ParseIP("10.0.0.9")}},
		// ourselves by address
		{Instance: "ghost", Port: 8765, Text: []string{"id=zzz"}, AddrIPv4: []net.IP{net.ParseIP("10.0.0.1")}},
		// encoded name, no address records
		{Instance: "Kitchen__9100__10.0.0.20", Text: []string{"id=k"}},
		// needs a host name lookup
		{Instance: "Study", HostName: "study.local.", Port: 9200, Text: BuildText("s", "1", "darwin", "Study Mac", 9200)},
		// unresolvable
		{Instance: "Nowhere", Port: 1},
	}}
	s := New(Config{DeviceID: "self", DeviceName: "Me", Port: 8765, SelfAddr: "10.0.0.1", BrowseInterval: time.Minute},
		nil, br, fakeResolver{"study.local.": "10.0.0.30"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	peers := waitPeers(t, s, 2)
	byID := map[string]types.PeerDevice{}
	for _, p := range peers {
		byID[p.ID] = p
	}
	if k := byID["k"]; k.Address != "10.0.0.20" || k.Port != 9100 || k.DisplayName != "Kitchen" {
		t.Fatalf("encoded peer = %+v", k)
	}
	if st := byID["s"]; st.Address != "10.0.0.30" || st.DisplayName != "Study Mac" || st.Platform != "darwin" {
		t.Fatalf("resolved peer = %+v", st)
	}

	if _, err := s.Peer(ctx, "s"); err != nil {
		t.Fatalf("Peer(s): %v", err)
	}
	if _, err := s.Peer(ctx, "self"); err == nil {
		t.Fatal("own device must not be listed")
	}
}

func TestServiceGoodbyePublishesEvent(t *testing.T) {
	s := New(Config{DeviceID: "self", SelfAddr: "10.0.0.1"}, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	events := s.Subscribe()
	defer s.Unsubscribe(events)

	s.Observe(ctx, Observation{Instance: "tv", Port: 80, AddrIPv4: []net.IP{net.ParseIP("10.0.0.50")}, Text: []string{"id=tv"}})
	waitPeers(t, s, 1)
	s.Observe(ctx, Observation{Instance: "tv", Goodbye: true})
	waitPeers(t, s, 0)

	var sawGone bool
	for i := 0; i < 2; i++ {
		select {
		case ev := <-events:
			if ev.Gone && ev.Peer.ID == "tv" {
				sawGone = true
			}
		case <-time.After(time.Second):
			t.Fatal("missing peer event")
		}
	}
	if !sawGone {
		t.Fatal("goodbye event not published")
	}
}

func TestServiceDropsPeerMissingFromBrowseCycle(t *testing.T) {
	tv := Observation{Instance: "tv", Port: 80, AddrIPv4: []net.IP{net.ParseIP("10.0.0.50")}, Text: []string{"id=tv"}}
	radio := Observation{Instance: "radio", Port: 80, AddrIPv4: []net.IP{net.ParseIP("10.0.0.51")}, Text: []string{"id=radio"}}
	br := &cycleBrowser{rounds: [][]Observation{{tv, radio}, {tv}}}
	s := New(Config{DeviceID: "self", SelfAddr: "10.0.0.1", BrowseInterval: 50 * time.Millisecond, Liveness: time.Hour}, nil, br, nil)

	events := s.Subscribe()
	defer s.Unsubscribe(events)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	timeout := time.After(3 * time.Second)
	for gone := false; !gone; {
		select {
		case ev := <-events:
			if ev.Gone {
				if ev.Peer.ID != "radio" {
					t.Fatalf("unexpected departure of %+v", ev.Peer)
				}
				gone = true
			}
		case <-timeout:
			t.Fatal("departed peer never removed")
		}
	}
	peers := s.Peers(ctx)
	if len(peers) != 1 || peers[0].ID != "tv" {
		t.Fatalf("peers = %+v", peers)
	}
}

func TestZeroconfEntryBecomesPeer(t *testing.T) {
	e := zeroconf.NewServiceEntry("Den", "_peershare._tcp", "local.")
	e.HostName = "den.local."
	e.Port = 8765
	e.TTL = 120
	e.Text = BuildText("den-id", "1", "linux", "Living Room", 8765)
	e.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}

	o := observation(e)
	if o.Instance != "Den" || o.HostName != "den.local." || o.Goodbye {
		t.Fatalf("observation = %+v", o)
	}
	s := New(Config{DeviceID: "self", SelfAddr: "192.168.1.2"}, nil, nil, nil)
	p, ok := s.toPeer(context.Background(), o)
	if !ok || p.ID != "den-id" || p.Address != "192.168.1.20" || p.Port != 8765 || p.DisplayName != "Living Room" {
		t.Fatalf("peer = %+v, %v", p, ok)
	}
}

func TestAdvertEncodesName(t *testing.T) {
	s := New(Config{DeviceID: "d", DeviceName: "Den", Port: 8765, SelfAddr: "192.168.0.5", EncodeName: true}, nil, nil, nil)
	ad := s.Advert()
	if ad.Instance != "Den__8765__192.168.0.5" || ad.Service != "_peershare._tcp" {
		t.Fatalf("advert = %+v", ad)
	}
}
