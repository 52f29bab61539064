// Package netutil holds the IPv4 arithmetic used for router address pools.
//
// Usable hosts follow the usual convention: the network and broadcast
// addresses are excluded, except for /31 (both addresses usable) and /32
// (the single address).
package netutil

import (
	"errors"
	"fmt"
	"iter"
	"net"
	"sort"
	"strings"
)

var ErrNotIPv4 = errors.New("only IPv4 is supported")

// SplitCIDRs splits a comma or newline separated list, dropping blanks.
func SplitCIDRs(csv string) []string {
	csv = strings.ReplaceAll(csv, "\n", ",")
	csv = strings.ReplaceAll(csv, "\r", ",")
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseCIDR parses an IPv4 CIDR. Host bits are allowed and masked off.
func ParseCIDR(s string) (*net.IPNet, error) {
	_, n, err := net.ParseCIDR(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	if n.IP.To4() == nil {
		return nil, fmt.Errorf("%s: %w", s, ErrNotIPv4)
	}
	n.IP = n.IP.To4()
	return n, nil
}

// ParseCIDRs parses every entry, failing on the first invalid one.
func ParseCIDRs(cidrs []string) ([]*net.IPNet, error) {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		n, err := ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("parse cidr %q: %w", c, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// UsableRange returns the first and last usable host of n.
func UsableRange(n *net.IPNet) (first, last net.IP, ok bool) {
	ones, bits := n.Mask.Size()
	if bits != 32 {
		return nil, nil, false
	}
	network := ToUint32(n.IP)
	broadcast := network | ^uint32(0)>>uint(ones)
	if ones == 32 {
		ip := FromUint32(network)
		return ip, ip, true
	}
	if ones == 31 {
		return FromUint32(network), FromUint32(broadcast), true
	}
	return FromUint32(network + 1), FromUint32(broadcast - 1), true
}

// Hosts yields the usable hosts of n in ascending order.
func Hosts(n *net.IPNet) iter.Seq[net.IP] {
	return func(yield func(net.IP) bool) {
		first, last, ok := UsableRange(n)
		if !ok {
			return
		}
		a, b := ToUint32(first), ToUint32(last)
		for v := a; ; v++ {
			if !yield(FromUint32(v)) {
				return
			}
			if v == b {
				return
			}
		}
	}
}

// HostCount is the number of usable hosts in n.
func HostCount(n *net.IPNet) int {
	first, last, ok := UsableRange(n)
	if !ok {
		return 0
	}
	return int(ToUint32(last)-ToUint32(first)) + 1
}

// SortByNetwork orders networks by numeric network address, then by prefix length.
func SortByNetwork(nets []*net.IPNet) {
	sort.SliceStable(nets, func(i, j int) bool {
		a, b := ToUint32(nets[i].IP), ToUint32(nets[j].IP)
		if a != b {
			return a < b
		}
		oi, _ := nets[i].Mask.Size()
		oj, _ := nets[j].Mask.Size()
		return oi > oj
	})
}

// LocalAddress returns the first usable host of the numerically lowest network.
// It is the PPP gateway address handed to profiles.
func LocalAddress(cidrs []string) (string, error) {
	nets, err := ParseCIDRs(cidrs)
	if err != nil {
		return "", err
	}
	if len(nets) == 0 {
		return "", errors.New("no cidr configured")
	}
	SortByNetwork(nets)
	first, _, ok := UsableRange(nets[0])
	if !ok {
		return "", fmt.Errorf("%s has no usable hosts", nets[0])
	}
	return first.String(), nil
}

// PoolRanges converts CIDRs into a RouterOS range list ("a-b,c-d").
// Invalid entries are skipped and reported through bad.
func PoolRanges(cidrs []string) (ranges string, bad []string) {
	parts := make([]string, 0, len(cidrs))
	for _, c := range cidrs {
		n, err := ParseCIDR(c)
		if err != nil {
			bad = append(bad, c)
			continue
		}
		first, last, ok := UsableRange(n)
		if !ok {
			bad = append(bad, c)
			continue
		}
		parts = append(parts, first.String()+"-"+last.String())
	}
	return strings.Join(parts, ","), bad
}

// ContainsAny reports whether ip falls inside any of nets.
func ContainsAny(nets []*net.IPNet, ip net.IP) bool {
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ParseIPv4 validates a dotted-quad address.
func ParseIPv4(s string) (net.IP, error) {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return nil, fmt.Errorf("invalid ip %q", s)
	}
	v4 := ip.To4()
	if v4 == nil {
		return nil, fmt.Errorf("%s: %w", s, ErrNotIPv4)
	}
	return v4, nil
}

func ToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])
}

func FromUint32(v uint32) net.IP {
	return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v)).To4()
}
