// Package ipcheck classifies node server addresses. Tables are built once
// from static CIDR lists into cidranger tries.
package ipcheck

import (
	"net"
	"strings"
	"sync"

	"github.com/yl2chen/cidranger"
)

// unroutable destinations a proxy node can never usefully point at.
var unroutableCIDRs = []string{
	"0.0.0.0/8",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"255.255.255.255/32",
	"::/128",
	"ff00::/8",
}

var privateCIDRs = []string{
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
}

var (
	once       sync.Once
	unroutable cidranger.Ranger
	private    cidranger.Ranger
)

func loadRanger(cidrs []string) cidranger.Ranger {
	ranger := cidranger.NewPCTrieRanger()
	for _, c := range cidrs {
		_, network, err := net.ParseCIDR(c)
		if err != nil {
			continue
		}
		ranger.Insert(cidranger.NewBasicRangerEntry(*network))
	}
	return ranger
}

func initTables() {
	once.Do(func() {
		unroutable = loadRanger(unroutableCIDRs)
		private = loadRanger(privateCIDRs)
	})
}

func parse(host string) net.IP {
	host = strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(host), "["), "]")
	if i := strings.IndexByte(host, '%'); i >= 0 {
		host = host[:i]
	}
	return net.ParseIP(host)
}

// IsIP reports whether host is an IP literal (bracketed IPv6 accepted).
func IsIP(host string) bool {
	return parse(host) != nil
}

// IsUnroutable is true for empty hosts and IP literals inside the
// unroutable table. Hostnames are routable.
func IsUnroutable(host string) bool {
	if strings.TrimSpace(host) == "" {
		return true
	}
	ip := parse(host)
	if ip == nil {
		return false
	}
	initTables()
	contains, err := unroutable.Contains(ip)
	return err == nil && contains
}

func IsPrivate(host string) bool {
	ip := parse(host)
	if ip == nil {
		return false
	}
	initTables()
	contains, err := private.Contains(ip)
	return err == nil && contains
}
