package param

import (
	"fmt"
	"net/netip"
	"runtime"
	"strings"
)

var Version = "1.0.0-(20261014)"

type ProxyMode string

const (
	ModeSystem ProxyMode = "system"
	ModeTun    ProxyMode = "tun"
	ModeManual ProxyMode = "manual"
)

func ParseMode(s string) (ProxyMode, error) {
	switch m := ProxyMode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeSystem, ModeTun, ModeManual:
		return m, nil
	}
	return "", fmt.Errorf("unknown proxy mode %q", s)
}

// Business routing categories understood by the synthesizer.
const (
	GroupTelegram = "telegram"
	GroupYouTube  = "youtube"
	GroupNetflix  = "netflix"
	GroupOpenAI   = "openai"
)

var BusinessGroups = []string{GroupTelegram, GroupYouTube, GroupNetflix, GroupOpenAI}

type TunOptions struct {
	IPv4        string `json:"ipv4" yaml:"ipv4"`
	IPv6        string `json:"ipv6" yaml:"ipv6"`
	MTU         int    `json:"mtu" yaml:"mtu"`
	AutoRoute   bool   `json:"auto_route" yaml:"auto_route"`
	StrictRoute bool   `json:"strict_route" yaml:"strict_route"`
	Stack       string `json:"stack" yaml:"stack"`
	Interface   string `json:"interface_name,omitempty" yaml:"interface_name,omitempty"`
}

const (
	defaultTunIPv4 = "172.19.0.1/30"
	defaultTunIPv6 = "fdfe:dcba:9876::1/126"
	defaultTunMTU  = 9000
	defaultStack   = "mixed"
)

func DefaultTunOptions() TunOptions {
	return TunOptions{
		IPv4:        defaultTunIPv4,
		IPv6:        defaultTunIPv6,
		MTU:         defaultTunMTU,
		AutoRoute:   true,
		StrictRoute: true,
		Stack:       defaultStack,
	}
}

// InterfaceName returns the configured name or the platform default.
func (t TunOptions) InterfaceName() string {
	if t.Interface != "" {
		return t.Interface
	}
	switch runtime.GOOS {
	case "darwin":
		return "utun233"
	case "windows":
		return "xkernel-tun"
	}
	return "tun233"
}

func (t TunOptions) Validate() error {
	if _, err := netip.ParsePrefix(t.IPv4); err != nil || !strings.Contains(t.IPv4, ".") {
		return fmt.Errorf("tun ipv4 %q: not an IPv4 CIDR", t.IPv4)
	}
	if t.IPv6 != "" {
		if p, err := netip.ParsePrefix(t.IPv6); err != nil || !p.Addr().Is6() {
			return fmt.Errorf("tun ipv6 %q: not an IPv6 CIDR", t.IPv6)
		}
	}
	if t.MTU < 576 || t.MTU > 65535 {
		return fmt.Errorf("tun mtu %d out of range", t.MTU)
	}
	switch t.Stack {
	case "system", "gvisor", "mixed":
	default:
		return fmt.Errorf("tun stack %q unknown", t.Stack)
	}
	return nil
}

type DNSConfig struct {
	Proxy    string `json:"proxy" yaml:"proxy"`
	Domestic string `json:"domestic" yaml:"domestic"`
	Resolver string `json:"resolver" yaml:"resolver"`
}

type Features struct {
	AdBlock         bool     `json:"ad_block" yaml:"ad_block"`
	DNSHijack       bool     `json:"dns_hijack" yaml:"dns_hijack"`
	Groups          []string `json:"business_groups,omitempty" yaml:"business_groups,omitempty"`
	RuleSetViaProxy bool     `json:"rule_set_via_proxy" yaml:"rule_set_via_proxy"`
}

func (f Features) HasGroup(name string) bool {
	for _, g := range f.Groups {
		if g == name {
			return true
		}
	}
	return false
}

// RuntimeConfig is the effective configuration of one start request.
type RuntimeConfig struct {
	Mode          ProxyMode  `json:"mode"`
	APIPort       int        `json:"api_port"`
	ProxyPort     int        `json:"proxy_port"`
	AllowLAN      bool       `json:"allow_lan"`
	PreferIPv6    bool       `json:"prefer_ipv6"`
	Bypass        []string   `json:"bypass,omitempty"`
	Tun           TunOptions `json:"tun"`
	KeepAlive     bool       `json:"keep_alive"`
	LogLevel      string     `json:"log_level"`
	Secret        string     `json:"secret"`
	ProbeURL      string     `json:"probe_url"`
	ProbeInterval string     `json:"probe_interval"`
	DNS           DNSConfig  `json:"dns"`
	Features      Features   `json:"features"`
}

var DefaultBypass = []string{"localhost", "127.*", "10.*", "172.16.*", "192.168.*", "<local>"}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		Mode:          ModeSystem,
		APIPort:       9090,
		ProxyPort:     7890,
		Bypass:        append([]string(nil), DefaultBypass...),
		Tun:           DefaultTunOptions(),
		KeepAlive:     true,
		LogLevel:      "info",
		ProbeURL:      "https://www.gstatic.com/generate_204",
		ProbeInterval: "10m",
		DNS: DNSConfig{
			Proxy:    "https://1.1.1.1/dns-query",
			Domestic: "223.5.5.5",
			Resolver: "223.5.5.5",
		},
		Features: Features{
			AdBlock:   true,
			DNSHijack: true,
		},
	}
}

func (c RuntimeConfig) TunEnabled() bool {
	return c.Mode == ModeTun
}

func (c RuntimeConfig) ListenAddr() string {
	if c.AllowLAN {
		return "0.0.0.0"
	}
	return "127.0.0.1"
}

func (c RuntimeConfig) Validate() error {
	if _, err := ParseMode(string(c.Mode)); err != nil {
		return err
	}
	if c.APIPort < 1 || c.APIPort > 65535 {
		return fmt.Errorf("api port %d out of range", c.APIPort)
	}
	if c.ProxyPort < 1 || c.ProxyPort > 65535 {
		return fmt.Errorf("proxy port %d out of range", c.ProxyPort)
	}
	if c.APIPort == c.ProxyPort {
		return fmt.Errorf("api port and proxy port are both %d", c.APIPort)
	}
	for _, g := range c.Features.Groups {
		known := false
		for _, b := range BusinessGroups {
			known = known || g == b
		}
		if !known {
			return fmt.Errorf("unknown business group %q", g)
		}
	}
	if c.Mode == ModeTun {
		if err := c.Tun.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Overrides are per-call settings; a non-nil field replaces the persisted one.
type Overrides struct {
	Mode       *ProxyMode  `json:"mode,omitempty"`
	APIPort    *int        `json:"api_port,omitempty"`
	ProxyPort  *int        `json:"proxy_port,omitempty"`
	AllowLAN   *bool       `json:"allow_lan,omitempty"`
	PreferIPv6 *bool       `json:"prefer_ipv6,omitempty"`
	Bypass     []string    `json:"bypass,omitempty"`
	Tun        *TunOptions `json:"tun,omitempty"`
	KeepAlive  *bool       `json:"keep_alive,omitempty"`
	LogLevel   *string     `json:"log_level,omitempty"`
	Features   *Features   `json:"features,omitempty"`
}

// Apply returns c with every set override applied.
func (o *Overrides) Apply(c RuntimeConfig) RuntimeConfig {
	if o == nil {
		return c
	}
	if o.Mode != nil {
		c.Mode = *o.Mode
	}
	if o.APIPort != nil {
		c.APIPort = *o.APIPort
	}
	if o.ProxyPort != nil {
		c.ProxyPort = *o.ProxyPort
	}
	if o.AllowLAN != nil {
		c.AllowLAN = *o.AllowLAN
	}
	if o.PreferIPv6 != nil {
		c.PreferIPv6 = *o.PreferIPv6
	}
	if o.Bypass != nil {
		c.Bypass = append([]string(nil), o.Bypass...)
	}
	if o.Tun != nil {
		c.Tun = *o.Tun
	}
	if o.KeepAlive != nil {
		c.KeepAlive = *o.KeepAlive
	}
	if o.LogLevel != nil {
		c.LogLevel = *o.LogLevel
	}
	if o.Features != nil {
		c.Features = *o.Features
		c.Features.Groups = append([]string(nil), o.Features.Groups...)
	}
	return c
}
