// Package netaddr turns hub addresses into multiaddrs and opens TCP
// listeners and connections from them.
package netaddr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// Parse accepts "host", "host:port", "[v6]:port" or a multiaddr such as
// /ip4/10.0.0.2/tcp/4885 or /dns/hub.lan/tcp/4885. A missing port becomes
// defaultPort.
func Parse(addr string, defaultPort int) (ma.Multiaddr, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("empty hub address")
	}

	if strings.HasPrefix(addr, "/") {
		m, err := ma.NewMultiaddr(addr)
		if err != nil {
			return nil, fmt.Errorf("parse multiaddr %q: %w", addr, err)
		}
		if _, err := m.ValueForProtocol(ma.P_TCP); err != nil {
			tcp, err := ma.NewMultiaddr("/tcp/" + strconv.Itoa(defaultPort))
			if err != nil {
				return nil, err
			}
			m = m.Encapsulate(tcp)
		}
		return m, nil
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		host = strings.Trim(addr, "[]")
		portStr = strconv.Itoa(defaultPort)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("invalid port in %q", addr)
	}
	if host == "" {
		return nil, fmt.Errorf("missing host in %q", addr)
	}

	var proto string
	if ip := net.ParseIP(host); ip != nil {
		if ip.To4() != nil {
			proto, host = "ip4", ip.To4().String()
		} else {
			proto = "ip6"
		}
	} else {
		proto = "dns"
	}
	m, err := ma.NewMultiaddr(fmt.Sprintf("/%s/%s/tcp/%d", proto, host, port))
	if err != nil {
		return nil, fmt.Errorf("hub address %q: %w", addr, err)
	}
	return m, nil
}

// HostPort renders m as "host:port" for display and storage.
func HostPort(m ma.Multiaddr) string {
	_, hp, err := manet.DialArgs(m)
	if err != nil {
		return m.String()
	}
	return hp
}

// Listen binds a TCP listener on every IPv4 interface.
func Listen(port int) (net.Listener, error) {
	m, err := ma.NewMultiaddr(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", port))
	if err != nil {
		return nil, err
	}
	l, err := manet.Listen(m)
	if err != nil {
		return nil, err
	}
	return manet.NetListener(l), nil
}

// Dial opens a TCP connection to m.
func Dial(ctx context.Context, m ma.Multiaddr) (net.Conn, error) {
	var d manet.Dialer
	c, err := d.DialContext(ctx, m)
	if err != nil {
		return nil, err
	}
	return c, nil
}
