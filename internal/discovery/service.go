// Package discovery advertises this node over DNS-SD and keeps the table of
// peers seen on the local network.
package discovery

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"peershare/internal/apperr"
	"peershare/internal/metrics"
	"peershare/pkg/types"
)

// Observation is one resolved (or half-resolved) service entry.
type Observation struct {
	Instance string
	HostName string
	Port     int
	Text     []string
	AddrIPv4 []net.IP
	Goodbye  bool
}

// Advertiser publishes ad until ctx ends.
type Advertiser interface {
	Advertise(ctx context.Context, ad Advert) error
}

// Browser runs one browse cycle, sending what it finds to out until ctx
// ends. It must not send after returning.
type Browser interface {
	Browse(ctx context.Context, service string, out chan<- Observation) error
}

// HostResolver turns a ".local" host name into an IPv4 address.
type HostResolver interface {
	Resolve(ctx context.Context, host string) (net.IP, error)
}

type Config struct {
	DeviceID   string
	DeviceName string
	Platform   string
	Version    string
	Port       int

	Service        string
	Liveness       time.Duration
	BrowseInterval time.Duration
	EncodeName     bool
	SelfAddr       string // our outbound IPv4; detected when empty
}

// PeerEvent is published when a peer appears, changes or goes away.
type PeerEvent struct {
	Peer types.PeerDevice `json:"peer"`
	Gone bool             `json:"gone"`
}

type sighting struct {
	instance string
	peer     types.PeerDevice
}

type Service struct {
	cfg Config
	adv Advertiser
	br  Browser
	res HostResolver

	seen   chan sighting
	bye    chan string
	cycles chan map[string]bool
	snap   chan chan []types.PeerDevice
	done   chan struct{}
	once   sync.Once
	now    func() time.Time
	sweepE time.Duration

	subMu sync.Mutex
	subs  map[chan PeerEvent]struct{}
}

// New wires a service; any of adv, br and res may be nil.
func New(cfg Config, adv Advertiser, br Browser, res HostResolver) *Service {
	if cfg.Liveness <= 0 {
		cfg.Liveness = 90 * time.Second
	}
	if cfg.BrowseInterval <= 0 {
		cfg.BrowseInterval = 30 * time.Second
	}
	if cfg.Service == "" {
		cfg.Service = "_peershare._tcp"
	}
	if cfg.SelfAddr == "" {
		cfg.SelfAddr = OutboundIPv4()
	}
	sweep := cfg.Liveness / 3
	if sweep < time.Second {
		sweep = time.Second
	}
	return &Service{
		cfg:    cfg,
		adv:    adv,
		br:     br,
		res:    res,
		seen:   make(chan sighting, 32),
		bye:    make(chan string, 8),
		cycles: make(chan map[string]bool),
		snap:   make(chan chan []types.PeerDevice),
		done:   make(chan struct{}),
		now:    time.Now,
		sweepE: sweep,
		subs:   make(map[chan PeerEvent]struct{}),
	}
}

// Advert builds our own advertisement.
func (s *Service) Advert() Advert {
	instance := s.cfg.DeviceName
	if s.cfg.EncodeName && s.cfg.SelfAddr != "" {
		instance = EncodeInstance(s.cfg.DeviceName, s.cfg.Port, s.cfg.SelfAddr)
	}
	return Advert{
		Instance: instance,
		Service:  s.cfg.Service,
		Port:     s.cfg.Port,
		Text:     BuildText(s.cfg.DeviceID, s.cfg.Version, s.cfg.Platform, s.cfg.DeviceName, s.cfg.Port),
	}
}

// Run owns the peer table until ctx ends. Advertising and browsing run
// alongside it and are best effort.
func (s *Service) Run(ctx context.Context) error {
	defer s.once.Do(func() { close(s.done) })

	if s.adv != nil {
		go safely("advertise", func() {
			ad := s.Advert()
			log.Printf("[discovery] advertising %q on %s port %d", ad.Instance, ad.Service, ad.Port)
			if err := s.adv.Advertise(ctx, ad); err != nil {
				log.Printf("[discovery] advertise failed: %v", err)
			}
		})
	}
	if s.br != nil {
		go safely("browse", func() { s.browseLoop(ctx) })
	}

	tbl := newTable(s.cfg.Liveness)
	t := time.NewTicker(s.sweepE)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case sg := <-s.seen:
			p, isNew := tbl.observe(sg.instance, sg.peer, s.now())
			if isNew {
				log.Printf("[discovery] peer %q at %s (id=%s)", p.DisplayName, p.Endpoint(), p.ID)
			}
			s.publish(PeerEvent{Peer: p})
			metrics.SetPeersOnline(len(tbl.peers))

		case inst := <-s.bye:
			if p, ok := tbl.goodbye(inst); ok {
				log.Printf("[discovery] peer %q said goodbye", p.DisplayName)
				s.publish(PeerEvent{Peer: p, Gone: true})
				metrics.SetPeersOnline(len(tbl.peers))
			}

		case seen := <-s.cycles:
			gone := tbl.retain(seen)
			for _, p := range gone {
				log.Printf("[discovery] peer %q at %s stopped answering", p.DisplayName, p.Endpoint())
				s.publish(PeerEvent{Peer: p, Gone: true})
			}
			if len(gone) > 0 {
				metrics.SetPeersOnline(len(tbl.peers))
			}

		case now := <-t.C:
			for _, p := range tbl.sweep(now) {
				log.Printf("[discovery] peer %q at %s went offline", p.DisplayName, p.Endpoint())
				s.publish(PeerEvent{Peer: p, Gone: true})
			}
			metrics.SetPeersOnline(len(tbl.peers))

		case reply := <-s.snap:
			reply <- tbl.snapshot()
		}
	}
}

// browseLoop runs browse cycles of BrowseInterval each. The library only
// reports live services, so an instance missing from a whole clean cycle is
// treated as gone.
func (s *Service) browseLoop(ctx context.Context) {
	for {
		cctx, cancel := context.WithTimeout(ctx, s.cfg.BrowseInterval)
		out := make(chan Observation, 16)
		errc := make(chan error, 1)
		go func() { errc <- s.br.Browse(cctx, s.cfg.Service, out) }()

		seen := make(map[string]bool)
		handle := func(o Observation) {
			if !o.Goodbye && o.Instance != "" {
				seen[o.Instance] = true
			}
			s.Observe(ctx, o)
		}
		var err error
	cycle:
		for {
			select {
			case o := <-out:
				handle(o)
			case err = <-errc:
				for {
					select {
					case o := <-out:
						handle(o)
					default:
						break cycle
					}
				}
			}
		}
		cancel()

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("[discovery] browse failed: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.BrowseInterval):
			}
			continue
		}
		select {
		case s.cycles <- seen:
		case <-ctx.Done():
			return
		}
	}
}

// Observe converts an observation into a peer and hands it to the loop.
// Our own advertisement is dropped here.
func (s *Service) Observe(ctx context.Context, o Observation) {
	if o.Goodbye {
		select {
		case s.bye <- o.Instance:
		case <-ctx.Done():
		case <-s.done:
		}
		return
	}
	p, ok := s.toPeer(ctx, o)
	if !ok {
		return
	}
	if p.ID == s.cfg.DeviceID || (s.cfg.SelfAddr != "" && p.Address == s.cfg.SelfAddr) {
		return
	}
	select {
	case s.seen <- sighting{instance: o.Instance, peer: p}:
	case <-ctx.Done():
	case <-s.done:
	}
}

func (s *Service) toPeer(ctx context.Context, o Observation) (types.PeerDevice, bool) {
	txt := ParseText(o.Text)
	instance := unescapeInstance(o.Instance)
	p := types.PeerDevice{
		ID:       txt[txtID],
		Platform: txt[txtPlatform],
		Version:  txt[txtVersion],
	}

	// The encoded form is tried first; it survives resolvers that drop
	// address records.
	if name, port, ip, ok := DecodeInstance(instance); ok {
		p.Address, p.Port = ip, port
		p.DisplayName, p.NameIsFallback = name, true
	} else {
		p.DisplayName, p.NameIsFallback = instance, true
		p.Port = o.Port
		if p.Port == 0 {
			p.Port, _ = strconv.Atoi(txt[txtPort])
		}
		for _, ip := range o.AddrIPv4 {
			if v4 := ip.To4(); v4 != nil {
				p.Address = v4.String()
				break
			}
		}
		if p.Address == "" && o.HostName != "" && s.res != nil {
			rctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			ip, err := s.res.Resolve(rctx, o.HostName)
			cancel()
			if err != nil {
				log.Printf("[discovery] resolve %s: %v", o.HostName, err)
			} else {
				p.Address = ip.String()
			}
		}
	}
	if name := txt[txtName]; name != "" {
		p.DisplayName, p.NameIsFallback = name, false
	}
	if p.Address == "" || p.Port <= 0 {
		return types.PeerDevice{}, false
	}
	if p.ID == "" {
		p.ID = p.Endpoint()
	}
	return p, true
}

// Peers returns a snapshot of the table.
func (s *Service) Peers(ctx context.Context) []types.PeerDevice {
	reply := make(chan []types.PeerDevice, 1)
	select {
	case s.snap <- reply:
	case <-ctx.Done():
		return nil
	case <-s.done:
		return nil
	}
	select {
	case out := <-reply:
		return out
	case <-ctx.Done():
		return nil
	}
}

// Peer finds an online peer by id.
func (s *Service) Peer(ctx context.Context, id string) (types.PeerDevice, error) {
	for _, p := range s.Peers(ctx) {
		if p.ID == id {
			return p, nil
		}
	}
	return types.PeerDevice{}, fmt.Errorf("peer %s: %w", id, apperr.ErrNotFound)
}

func (s *Service) Subscribe() chan PeerEvent {
	ch := make(chan PeerEvent, 16)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()
	return ch
}

func (s *Service) Unsubscribe(ch chan PeerEvent) {
	s.subMu.Lock()
	if _, ok := s.subs[ch]; ok {
		delete(s.subs, ch)
		close(ch)
	}
	s.subMu.Unlock()
}

func (s *Service) publish(ev PeerEvent) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[discovery] %s panicked: %v", what, r)
		}
	}()
	fn()
}
