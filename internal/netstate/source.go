package netstate

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// Source reports the current connectivity.
type Source interface {
	State(ctx context.Context) State
}

// Notifier is implemented by sources that can signal a change without being
// polled.
type Notifier interface {
	Changed() <-chan struct{}
}

// StaticSource reports whatever state it was last given. It backs the
// force_state setting and tests.
type StaticSource struct {
	state   atomic.Int32
	changed chan struct{}
}

func NewStaticSource(initial State) *StaticSource {
	s := &StaticSource{changed: make(chan struct{}, 1)}
	s.state.Store(int32(initial))
	return s
}

func (s *StaticSource) State(context.Context) State {
	return State(s.state.Load())
}

// Set changes the reported state and wakes a monitor watching this source.
func (s *StaticSource) Set(state State) {
	s.state.Store(int32(state))
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

func (s *StaticSource) Changed() <-chan struct{} {
	return s.changed
}

// InterfaceSource classifies the host's network interfaces by name prefix.
// An interface counts when it is up, not loopback and has a routable
// address. Wired interfaces are listed under wifi: both are unmetered.
type InterfaceSource struct {
	WifiPrefixes     []string
	CellularPrefixes []string
	// ProbeURL, when set, must answer before any interface state other than
	// Offline is reported.
	ProbeURL string
	Client   *http.Client

	interfaces func() ([]net.Interface, error)
	addrs      func(net.Interface) ([]net.Addr, error)
}

func NewInterfaceSource(wifi, cellular []string, probeURL string) *InterfaceSource {
	return &InterfaceSource{
		WifiPrefixes:     wifi,
		CellularPrefixes: cellular,
		ProbeURL:         probeURL,
		Client:           &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *InterfaceSource) State(ctx context.Context) State {
	state := s.classify()
	if state == Offline || s.ProbeURL == "" {
		return state
	}
	if !s.probe(ctx) {
		return Offline
	}
	return state
}

func (s *InterfaceSource) classify() State {
	listIfaces := s.interfaces
	if listIfaces == nil {
		listIfaces = net.Interfaces
	}
	ifaceAddrs := s.addrs
	if ifaceAddrs == nil {
		ifaceAddrs = func(i net.Interface) ([]net.Addr, error) { return i.Addrs() }
	}

	ifaces, err := listIfaces()
	if err != nil {
		return Offline
	}

	best := Offline
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		var class State
		switch {
		case hasPrefix(iface.Name, s.WifiPrefixes):
			class = Wifi
		case hasPrefix(iface.Name, s.CellularPrefixes):
			class = Cellular
		default:
			continue
		}
		if class <= best {
			continue
		}

		addrs, err := ifaceAddrs(iface)
		if err != nil || !hasRoutableAddr(addrs) {
			continue
		}
		best = class
	}
	return best
}

func (s *InterfaceSource) probe(ctx context.Context) bool {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.ProbeURL, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

func hasPrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func hasRoutableAddr(addrs []net.Addr) bool {
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip != nil && !ip.IsLoopback() && !ip.IsLinkLocalUnicast() && !ip.IsUnspecified() {
			return true
		}
	}
	return false
}
