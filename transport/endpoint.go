// Package transport reaches the message transport: it parses endpoint
// strings, dials and listens on them, and wraps connections into framed Links.
//
// Supported endpoints:
//
//	tcp://127.0.0.1:7000    (also a bare "127.0.0.1:7000")
//	unix:///run/rpc.sock
//	vsock://3:7000          (context id 3, port 7000)
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mdlayher/vsock"
)

const (
	NetworkTCP   = "tcp"
	NetworkUnix  = "unix"
	NetworkVsock = "vsock"
)

var ErrInvalidEndpoint = errors.New("transport: invalid endpoint")

// Endpoint is a parsed transport target.
type Endpoint struct {
	Network string
	Address string // host:port for tcp, path for unix, cid:port for vsock

	// ContextID and Port are only set for vsock endpoints.
	ContextID uint32
	Port      uint32
}

// ParseEndpoint parses "scheme://address"; an address without a scheme is tcp.
func ParseEndpoint(s string) (Endpoint, error) {
	network, addr := NetworkTCP, s
	if i := strings.Index(s, "://"); i >= 0 {
		network, addr = s[:i], s[i+3:]
	}
	if addr == "" {
		return Endpoint{}, fmt.Errorf("%w: %q has no address", ErrInvalidEndpoint, s)
	}

	switch network {
	case NetworkTCP:
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return Endpoint{}, fmt.Errorf("%w: %q: %v", ErrInvalidEndpoint, s, err)
		}
		return Endpoint{Network: NetworkTCP, Address: addr}, nil
	case NetworkUnix:
		return Endpoint{Network: NetworkUnix, Address: addr}, nil
	case NetworkVsock:
		cid, port, err := splitVsock(addr)
		if err != nil {
			return Endpoint{}, fmt.Errorf("%w: %q: %v", ErrInvalidEndpoint, s, err)
		}
		return Endpoint{Network: NetworkVsock, Address: addr, ContextID: cid, Port: port}, nil
	}
	return Endpoint{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidEndpoint, network)
}

func splitVsock(addr string) (uint32, uint32, error) {
	c, p, ok := strings.Cut(addr, ":")
	if !ok {
		return 0, 0, errors.New("want cid:port")
	}
	cid, err := strconv.ParseUint(c, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("context id: %w", err)
	}
	port, err := strconv.ParseUint(p, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("port: %w", err)
	}
	return uint32(cid), uint32(port), nil
}

func (e Endpoint) String() string {
	return e.Network + "://" + e.Address
}

// Dial connects to endpoint. timeout bounds tcp and unix dials; 0 means no
// limit beyond ctx.
func Dial(ctx context.Context, endpoint string, timeout time.Duration) (net.Conn, error) {
	ep, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	if ep.Network == NetworkVsock {
		conn, err := vsock.Dial(ep.ContextID, ep.Port, nil)
		if err != nil {
			return nil, fmt.Errorf("transport: dial %s: %w", ep, err)
		}
		return conn, nil
	}

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, ep.Network, ep.Address)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", ep, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		// Envelopes are flushed per batch; do not let Nagle hold them back.
		_ = tcp.SetNoDelay(true)
	}
	return conn, nil
}

// Listen binds endpoint. A vsock endpoint with context id 0 listens on the
// local context id.
func Listen(endpoint string) (net.Listener, error) {
	ep, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	if ep.Network == NetworkVsock {
		var l *vsock.Listener
		if ep.ContextID == 0 {
			l, err = vsock.Listen(ep.Port, nil)
		} else {
			l, err = vsock.ListenContextID(ep.ContextID, ep.Port, nil)
		}
		if err != nil {
			return nil, fmt.Errorf("transport: listen %s: %w", ep, err)
		}
		return l, nil
	}

	l, err := net.Listen(ep.Network, ep.Address)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", ep, err)
	}
	return l, nil
}
