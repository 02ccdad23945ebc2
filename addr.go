//go:build linux || darwin

package iomultiplex

import (
	"context"
	"net"

	"golang.org/x/sys/unix"
)

// Address representation and resolution are deliberately out of scope for
// this package: callers bring their own
// net.TCPAddr/net.UDPAddr/net.UnixAddr, resolved however they like, and
// SocketConnection only needs to translate between those and the raw
// unix.Sockaddr the kernel deals in.
//
// Resolver is the minimal external-collaborator seam for name resolution
// (DNS SRV/A lookups, per spec.md §1's Non-goals): this package only
// specifies the interface a caller's resolver must satisfy to hand
// SocketConnection.Connect/Bind a usable net.Addr. No lookup logic lives
// here.
type Resolver interface {
	ResolveTCPAddr(ctx context.Context, network, address string) (*net.TCPAddr, error)
	ResolveUDPAddr(ctx context.Context, network, address string) (*net.UDPAddr, error)
}

// DefaultResolver is a [Resolver] backed by [net.DefaultResolver]'s
// LookupPort and LookupIP. It exists so callers who
// don't need anything fancier (mock resolution for tests, DNS-over-TCP,
// a custom SRV lookup) aren't forced to implement Resolver themselves.
type DefaultResolver struct{}

func (DefaultResolver) ResolveTCPAddr(ctx context.Context, network, address string) (*net.TCPAddr, error) {
	ip, port, err := resolveHostPort(ctx, address)
	if err != nil {
		return nil, err
	}
	return &net.TCPAddr{IP: ip, Port: port}, nil
}

func (DefaultResolver) ResolveUDPAddr(ctx context.Context, network, address string) (*net.UDPAddr, error) {
	ip, port, err := resolveHostPort(ctx, address)
	if err != nil {
		return nil, err
	}
	return &net.UDPAddr{IP: ip, Port: port}, nil
}

// resolveHostPort splits host:port and resolves host via the package's
// default resolver (net.DefaultResolver, i.e. the system's DNS client),
// preferring an IPv4 result to match the A/SRV lookup behavior this
// package's Non-goals describe as an external collaborator.
func resolveHostPort(ctx context.Context, address string) (net.IP, int, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, 0, err
	}
	port, err := net.DefaultResolver.LookupPort(ctx, "tcp", portStr)
	if err != nil {
		return nil, 0, err
	}
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, 0, err
	}
	if len(ips) == 0 {
		return nil, 0, &net.AddrError{Err: "no such host", Addr: host}
	}
	for _, ip := range ips {
		if ip.To4() != nil {
			return ip, port, nil
		}
	}
	return ips[0], port, nil
}

// addrFamily returns the socket address family implied by addr, or
// ErrAddrFamilyMismatch if addr's type isn't one this package recognizes.
func addrFamily(addr net.Addr) (int, error) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return ipFamily(a.IP), nil
	case *net.UDPAddr:
		return ipFamily(a.IP), nil
	case *net.UnixAddr:
		return unix.AF_UNIX, nil
	default:
		return -1, newErr(ErrAddrFamilyMismatch, "addr", nil)
	}
}

func ipFamily(ip net.IP) int {
	if ip == nil || ip.To4() != nil {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

// toSockaddr converts a resolved net.Addr into the unix.Sockaddr the raw
// connect/bind syscalls expect.
func toSockaddr(addr net.Addr) (unix.Sockaddr, error) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return ipPortToSockaddr(a.IP, a.Port, a.Zone)
	case *net.UDPAddr:
		return ipPortToSockaddr(a.IP, a.Port, a.Zone)
	case *net.UnixAddr:
		return &unix.SockaddrUnix{Name: a.Name}, nil
	default:
		return nil, newErr(ErrAddrFamilyMismatch, "addr", nil)
	}
}

func ipPortToSockaddr(ip net.IP, port int, zone string) (unix.Sockaddr, error) {
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return sa, nil
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	if zone != "" {
		if idx, err := net.InterfaceByName(zone); err == nil {
			sa.ZoneId = uint32(idx.Index)
		}
	}
	return sa, nil
}

// sockaddrToAddr converts a kernel sockaddr back into a net.Addr. network
// selects between "tcp"/"udp" framing for inet families; it is ignored
// for unix-domain addresses.
func sockaddrToAddr(sa unix.Sockaddr, network string) net.Addr {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		ip := append(net.IP(nil), s.Addr[:]...)
		if network == "udp" {
			return &net.UDPAddr{IP: ip, Port: s.Port}
		}
		return &net.TCPAddr{IP: ip, Port: s.Port}
	case *unix.SockaddrInet6:
		ip := append(net.IP(nil), s.Addr[:]...)
		zone := ""
		if s.ZoneId != 0 {
			if iface, err := net.InterfaceByIndex(int(s.ZoneId)); err == nil {
				zone = iface.Name
			}
		}
		if network == "udp" {
			return &net.UDPAddr{IP: ip, Port: s.Port, Zone: zone}
		}
		return &net.TCPAddr{IP: ip, Port: s.Port, Zone: zone}
	case *unix.SockaddrUnix:
		return &net.UnixAddr{Name: s.Name, Net: "unix"}
	default:
		return nil
	}
}
