package discovery

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/grandcat/zeroconf"
	"github.com/pion/mdns/v2"
	"golang.org/x/net/ipv4"
)

// Zeroconf advertises and browses with multicast DNS-SD.
type Zeroconf struct {
	Domain string // "local." when empty
}

func (z Zeroconf) domain() string {
	if z.Domain == "" {
		return "local."
	}
	return z.Domain
}

func (z Zeroconf) Advertise(ctx context.Context, ad Advert) error {
	srv, err := zeroconf.Register(ad.Instance, ad.Service, z.domain(), ad.Port, ad.Text, nil)
	if err != nil {
		return fmt.Errorf("register %s: %w", ad.Service, err)
	}
	<-ctx.Done()
	srv.Shutdown() // sends goodbye packets
	return nil
}

func (z Zeroconf) Browse(ctx context.Context, service string, out chan<- Observation) error {
	resolver, err := zeroconf.NewResolver(zeroconf.SelectIPTraffic(zeroconf.IPv4))
	if err != nil {
		return fmt.Errorf("resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// the library closes entries when ctx ends; keep draining so it
		// never blocks on a send
		for e := range entries {
			select {
			case out <- observation(e):
			case <-ctx.Done():
			}
		}
	}()

	if err := resolver.Browse(ctx, service, z.domain(), entries); err != nil {
		return fmt.Errorf("browse %s: %w", service, err)
	}
	<-ctx.Done()
	wg.Wait()
	return nil
}

// observation converts a resolved entry. The library drops TTL-0 records
// before delivering them, so departures are detected by the browse cycle
// rather than here. Entries reach us only with an address; an IPv6-only
// host still needs the IPv4 lookup through HostName.
func observation(e *zeroconf.ServiceEntry) Observation {
	return Observation{
		Instance: e.Instance,
		HostName: e.HostName,
		Port:     e.Port,
		Text:     e.Text,
		AddrIPv4: e.AddrIPv4,
	}
}

// MDNSResolver looks up ".local" host names with a lazily created mDNS
// connection.
type MDNSResolver struct {
	mu   sync.Mutex
	conn *mdns.Conn
}

func (r *MDNSResolver) Resolve(ctx context.Context, host string) (net.IP, error) {
	conn, err := r.get()
	if err != nil {
		return nil, err
	}
	_, addr, err := conn.QueryAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("mdns query %s: %w", host, err)
	}
	if !addr.Is4() && !addr.Is4In6() {
		return nil, fmt.Errorf("mdns query %s: no IPv4 address", host)
	}
	return net.IP(addr.Unmap().AsSlice()), nil
}

func (r *MDNSResolver) get() (*mdns.Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		return r.conn, nil
	}
	addr, err := net.ResolveUDPAddr("udp4", mdns.DefaultAddressIPv4)
	if err != nil {
		return nil, err
	}
	l, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("mdns listen: %w", err)
	}
	conn, err := mdns.Server(ipv4.NewPacketConn(l), nil, &mdns.Config{})
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("mdns server: %w", err)
	}
	r.conn = conn
	return conn, nil
}

func (r *MDNSResolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	return err
}
