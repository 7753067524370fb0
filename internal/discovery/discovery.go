// Package discovery advertises the gateway over mDNS and finds other
// gateways on the local network.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"

	"github.com/banshee-data/presence.report/internal/monitoring"
)

const (
	// ServiceType is the DNS-SD service type of a presence gateway.
	ServiceType = "_xmpresence._tcp"
	// Domain is the mDNS domain.
	Domain = "local"

	// DefaultPath is the websocket path advertised in TXT records.
	DefaultPath = "/ws"

	txtVersion = "version"
	txtPath    = "path"
)

var ErrNotStarted = errors.New("advertiser not started")

// Config describes the advertised service.
type Config struct {
	// Instance is the service instance name. Empty uses the hostname.
	Instance string
	Port     int
	Path     string
	Version  string

	// Interface restricts advertising to one interface. Empty means all.
	Interface string
	TTL       time.Duration
}

type shutdowner interface {
	Shutdown()
}

// register is replaced in tests so nothing touches real multicast sockets.
var register = func(instance, service, domain string, port int, text []string, ifaces []net.Interface, opts ...zeroconf.ServerOption) (shutdowner, error) {
	server, err := zeroconf.Register(instance, service, domain, port, text, ifaces, opts...)
	if err != nil {
		return nil, err
	}
	return server, nil
}

// Advertiser publishes one gateway instance.
type Advertiser struct {
	cfg Config

	mu     sync.Mutex
	server shutdowner
}

// NewAdvertiser validates cfg and fills defaults.
func NewAdvertiser(cfg Config) (*Advertiser, error) {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.Instance == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "xm-presence"
		}
		cfg.Instance = host
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	return &Advertiser{cfg: cfg}, nil
}

// Config returns the effective configuration.
func (a *Advertiser) Config() Config { return a.cfg }

// TXT returns the TXT records for cfg.
func TXT(cfg Config) []string {
	txt := []string{txtPath + "=" + cfg.Path}
	if cfg.Version != "" {
		txt = append(txt, txtVersion+"="+cfg.Version)
	}
	return txt
}

func interfaces(name string) []net.Interface {
	if name == "" {
		return nil
	}
	iface, err := net.InterfaceByName(name)
	if err != nil {
		monitoring.Logf("discovery: interface %q: %v; advertising on all interfaces", name, err)
		return nil
	}
	return []net.Interface{*iface}
}

// Start registers the service, replacing any earlier registration.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}

	var opts []zeroconf.ServerOption
	if a.cfg.TTL > 0 {
		opts = append(opts, zeroconf.TTL(uint32(a.cfg.TTL.Seconds())))
	}
	server, err := register(a.cfg.Instance, ServiceType, Domain, a.cfg.Port, TXT(a.cfg), interfaces(a.cfg.Interface), opts...)
	if err != nil {
		return fmt.Errorf("failed to register %s: %w", ServiceType, err)
	}
	a.server = server
	monitoring.Logf("discovery: advertising %q as %s on port %d", a.cfg.Instance, ServiceType, a.cfg.Port)
	return nil
}

// Stop withdraws the registration.
func (a *Advertiser) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server == nil {
		return ErrNotStarted
	}
	a.server.Shutdown()
	a.server = nil
	return nil
}

// Gateway is a discovered gateway instance.
type Gateway struct {
	Instance  string
	Host      string
	Port      int
	Addresses []string
	Path      string
	Version   string
}

// URL returns the websocket URL of the first address, or "" if none.
func (g Gateway) URL() string {
	if len(g.Addresses) == 0 {
		return ""
	}
	return fmt.Sprintf("ws://%s%s", net.JoinHostPort(g.Addresses[0], fmt.Sprint(g.Port)), g.Path)
}

// ParseTXT splits key=value TXT records. Records without '=' are kept
// with an empty value.
func ParseTXT(txt []string) map[string]string {
	out := make(map[string]string, len(txt))
	for _, rec := range txt {
		k, v, _ := strings.Cut(rec, "=")
		if k == "" {
			continue
		}
		out[strings.ToLower(k)] = v
	}
	return out
}

func newGateway(instance, host string, port int, text []string, ips ...[]net.IP) Gateway {
	txt := ParseTXT(text)
	g := Gateway{
		Instance: instance,
		Host:     host,
		Port:     port,
		Path:     txt[txtPath],
		Version:  txt[txtVersion],
	}
	if g.Path == "" {
		g.Path = DefaultPath
	}
	for _, list := range ips {
		for _, ip := range list {
			g.Addresses = append(g.Addresses, ip.String())
		}
	}
	return g
}

func entryToGateway(entry *zeroconf.ServiceEntry) Gateway {
	return newGateway(entry.Instance, entry.HostName, entry.Port, entry.Text, entry.AddrIPv4, entry.AddrIPv6)
}

// Browse collects gateways until ctx is done. Entries for the same
// instance are merged.
func Browse(ctx context.Context) ([]Gateway, error) {
	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	errc := make(chan error, 1)
	go func() {
		errc <- zeroconf.Browse(ctx, ServiceType, Domain, entries, removed)
	}()

	found := make(map[string]*Gateway)
	var order []string
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			g := entryToGateway(entry)
			if existing, ok := found[g.Instance]; ok {
				existing.Addresses = mergeAddresses(existing.Addresses, g.Addresses)
				continue
			}
			found[g.Instance] = &g
			order = append(order, g.Instance)
		case entry, ok := <-removed:
			if !ok {
				removed = nil
				continue
			}
			delete(found, entry.Instance)
		case err := <-errc:
			if err != nil && ctx.Err() == nil {
				return nil, fmt.Errorf("browse %s: %w", ServiceType, err)
			}
			return collect(order, found), nil
		case <-ctx.Done():
			return collect(order, found), nil
		}
	}
}

func collect(order []string, found map[string]*Gateway) []Gateway {
	out := make([]Gateway, 0, len(found))
	for _, name := range order {
		if g, ok := found[name]; ok {
			out = append(out, *g)
			delete(found, name)
		}
	}
	return out
}

func mergeAddresses(existing, more []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, addr := range existing {
		seen[addr] = true
	}
	for _, addr := range more {
		if !seen[addr] {
			existing = append(existing, addr)
			seen[addr] = true
		}
	}
	return existing
}
