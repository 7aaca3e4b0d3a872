// Package dnsprobe checks that a configured DNS server answers.
package dnsprobe

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/miekg/dns"
)

var ErrSkipped = errors.New("address kind is not probed")

// Target is a parsed kernel DNS server address.
type Target struct {
	Net        string // udp, tcp, tcp-tls, https
	Addr       string // host:port, or the URL for https
	ServerName string
}

// ParseAddress understands the kernel's server address forms: a bare IP,
// udp://, tcp://, tls:// and https://. rcode://, local and dhcp:// yield
// ErrSkipped.
func ParseAddress(address string) (Target, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return Target{}, errors.New("empty dns address")
	}
	if address == "local" || strings.HasPrefix(address, "rcode://") || strings.HasPrefix(address, "dhcp://") || strings.HasPrefix(address, "fakeip") {
		return Target{}, ErrSkipped
	}
	if !strings.Contains(address, "://") {
		return Target{Net: "udp", Addr: withPort(address, "53")}, nil
	}
	u, err := url.Parse(address)
	if err != nil {
		return Target{}, err
	}
	switch u.Scheme {
	case "udp":
		return Target{Net: "udp", Addr: withPort(u.Host, "53")}, nil
	case "tcp":
		return Target{Net: "tcp", Addr: withPort(u.Host, "53")}, nil
	case "tls":
		return Target{Net: "tcp-tls", Addr: withPort(u.Host, "853"), ServerName: u.Hostname()}, nil
	case "https", "h3":
		if u.Path == "" {
			u.Path = "/dns-query"
		}
		u.Scheme = "https"
		return Target{Net: "https", Addr: u.String(), ServerName: u.Hostname()}, nil
	}
	return Target{}, fmt.Errorf("unsupported dns scheme %q", u.Scheme)
}

func withPort(host, port string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(strings.Trim(host, "[]"), port)
}

// Probe sends one A query for domain to address and returns the round trip.
func Probe(ctx context.Context, address, domain string) (time.Duration, error) {
	t, err := ParseAddress(address)
	if err != nil {
		return 0, err
	}
	query := &dns.Msg{}
	query.SetQuestion(dns.Fqdn(domain), dns.TypeA)
	query.RecursionDesired = true
	if t.Net == "https" {
		return probeHTTPS(ctx, t, query)
	}
	client := &dns.Client{
		Net:          t.Net,
		UDPSize:      4096,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if t.Net == "tcp-tls" {
		client.TLSConfig = &tls.Config{ServerName: t.ServerName}
	}
	resp, rtt, err := client.ExchangeContext(ctx, query, t.Addr)
	if err != nil {
		return 0, err
	}
	return rtt, checkReply(resp)
}

func probeHTTPS(ctx context.Context, t Target, query *dns.Msg) (time.Duration, error) {
	query.Id = 0
	body, err := query.Pack()
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.Addr, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/dns-message")
	req.Header.Set("Accept", "application/dns-message")
	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("doh status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return 0, err
	}
	rtt := time.Since(start)
	reply := &dns.Msg{}
	if err := reply.Unpack(data); err != nil {
		return 0, err
	}
	return rtt, checkReply(reply)
}

func checkReply(m *dns.Msg) error {
	if m == nil {
		return errors.New("empty reply")
	}
	if m.Rcode != dns.RcodeSuccess && m.Rcode != dns.RcodeNameError {
		return fmt.Errorf("rcode %s", dns.RcodeToString[m.Rcode])
	}
	return nil
}
