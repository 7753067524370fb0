package discovery

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/enbility/zeroconf/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeServer struct{ shutdowns int }

func (f *fakeServer) Shutdown() { f.shutdowns++ }

type registration struct {
	instance, service, domain string
	port                      int
	text                      []string
	ifaces                    []net.Interface
	opts                      int
}

// stubRegister swaps the package register func for the duration of a test.
func stubRegister(t *testing.T, err error) (*[]registration, *[]*fakeServer) {
	t.Helper()
	var regs []registration
	var servers []*fakeServer
	orig := register
	register = func(instance, service, domain string, port int, text []string, ifaces []net.Interface, opts ...zeroconf.ServerOption) (shutdowner, error) {
		regs = append(regs, registration{instance, service, domain, port, text, ifaces, len(opts)})
		if err != nil {
			return nil, err
		}
		s := &fakeServer{}
		servers = append(servers, s)
		return s, nil
	}
	t.Cleanup(func() { register = orig })
	return &regs, &servers
}

func TestNewAdvertiser_Defaults(t *testing.T) {
	a, err := NewAdvertiser(Config{Port: 8080})
	require.NoError(t, err)
	assert.NotEmpty(t, a.Config().Instance)
	assert.Equal(t, DefaultPath, a.Config().Path)

	for _, port := range []int{0, -1, 70000} {
		_, err := NewAdvertiser(Config{Port: port})
		assert.Error(t, err, "port %d", port)
	}
}

func TestTXT(t *testing.T) {
	assert.Equal(t, []string{"path=/ws", "version=1.2.0"}, TXT(Config{Path: "/ws", Version: "1.2.0"}))
	assert.Equal(t, []string{"path=/ws"}, TXT(Config{Path: "/ws"}))
}

func TestAdvertiser_StartStop(t *testing.T) {
	regs, servers := stubRegister(t, nil)

	a, err := NewAdvertiser(Config{Instance: "hallway", Port: 8080, Version: "dev", TTL: 2 * time.Minute})
	require.NoError(t, err)
	require.NoError(t, a.Start())

	require.Len(t, *regs, 1)
	r := (*regs)[0]
	assert.Equal(t, "hallway", r.instance)
	assert.Equal(t, ServiceType, r.service)
	assert.Equal(t, Domain, r.domain)
	assert.Equal(t, 8080, r.port)
	assert.Equal(t, []string{"path=/ws", "version=dev"}, r.text)
	assert.Nil(t, r.ifaces)
	assert.Equal(t, 1, r.opts)

	// A second Start replaces the registration.
	require.NoError(t, a.Start())
	require.Len(t, *servers, 2)
	assert.Equal(t, 1, (*servers)[0].shutdowns)

	require.NoError(t, a.Stop())
	assert.Equal(t, 1, (*servers)[1].shutdowns)
	assert.ErrorIs(t, a.Stop(), ErrNotStarted)
}

func TestAdvertiser_RegisterError(t *testing.T) {
	stubRegister(t, errors.New("no multicast"))
	a, err := NewAdvertiser(Config{Instance: "x", Port: 1})
	require.NoError(t, err)
	err = a.Start()
	assert.ErrorContains(t, err, "no multicast")
	assert.ErrorIs(t, a.Stop(), ErrNotStarted)
}

func TestParseTXT(t *testing.T) {
	got := ParseTXT([]string{"path=/ws", "Version=1", "flag", "=orphan", "eq=a=b"})
	assert.Equal(t, map[string]string{"path": "/ws", "version": "1", "flag": "", "eq": "a=b"}, got)
}

func TestNewGateway(t *testing.T) {
	g := newGateway("hallway", "pi.local.", 8080, []string{"path=/live", "version=2"},
		[]net.IP{net.ParseIP("192.168.1.20")}, []net.IP{net.ParseIP("fe80::1")})
	assert.Equal(t, Gateway{
		Instance:  "hallway",
		Host:      "pi.local.",
		Port:      8080,
		Addresses: []string{"192.168.1.20", "fe80::1"},
		Path:      "/live",
		Version:   "2",
	}, g)
	assert.Equal(t, "ws://192.168.1.20:8080/live", g.URL())

	bare := newGateway("b", "h", 9000, nil)
	assert.Equal(t, DefaultPath, bare.Path)
	assert.Empty(t, bare.URL())

	v6 := newGateway("c", "h", 9000, nil, []net.IP{net.ParseIP("fe80::2")})
	assert.Equal(t, "ws://[fe80::2]:9000/ws", v6.URL())
}

func TestMergeAddresses(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, mergeAddresses([]string{"a", "b"}, []string{"b", "c"}))
}

func TestCollect(t *testing.T) {
	found := map[string]*Gateway{"a": {Instance: "a"}, "b": {Instance: "b"}}
	got := collect([]string{"b", "gone", "a", "b"}, found)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Instance)
	assert.Equal(t, "a", got[1].Instance)
}
