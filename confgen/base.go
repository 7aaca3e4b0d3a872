package confgen

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/dosgo/xkernel/param"
)

const (
	TagAuto   = "auto"
	TagManual = "manual"
	TagDirect = "direct"
	TagBlock  = "block"

	TagMixedIn = "mixed-in"
	TagTunIn   = "tun-in"

	DNSProxy    = "dns_proxy"
	DNSDirect   = "dns_direct"
	DNSResolver = "dns_resolver"
	DNSBlock    = "dns_block"

	RuleSetAds    = "geosite-category-ads-all"
	RuleSetSiteCN = "geosite-cn"
	RuleSetIPCN   = "geoip-cn"
)

const (
	geositeURL = "https://raw.githubusercontent.com/SagerNet/sing-geosite/rule-set/%s.srs"
	geoipURL   = "https://raw.githubusercontent.com/SagerNet/sing-geoip/rule-set/%s.srs"
)

type businessGroup struct {
	Name     string
	Tag      string
	RuleSets []string
}

var businessGroups = []businessGroup{
	{param.GroupTelegram, "Telegram", []string{"geosite-telegram", "geoip-telegram"}},
	{param.GroupYouTube, "YouTube", []string{"geosite-youtube"}},
	{param.GroupNetflix, "Netflix", []string{"geosite-netflix", "geoip-netflix"}},
	{param.GroupOpenAI, "OpenAI", []string{"geosite-openai"}},
}

func enabledGroups(s param.RuntimeConfig) []businessGroup {
	var out []businessGroup
	for _, g := range businessGroups {
		if s.Features.HasGroup(g.Name) {
			out = append(out, g)
		}
	}
	return out
}

func isBusinessTag(tag string) bool {
	for _, g := range businessGroups {
		if g.Tag == tag {
			return true
		}
	}
	return false
}

func ruleSetURL(tag string) string {
	if strings.HasPrefix(tag, "geoip-") {
		return fmt.Sprintf(geoipURL, tag)
	}
	return fmt.Sprintf(geositeURL, tag)
}

func ruleSetDetour(s param.RuntimeConfig) string {
	if s.Features.RuleSetViaProxy {
		return TagManual
	}
	return TagDirect
}

// ruleSetTags lists the remote rule-sets the settings call for, in
// document order.
func ruleSetTags(s param.RuntimeConfig) []string {
	tags := []string{RuleSetSiteCN, RuleSetIPCN}
	if s.Features.AdBlock {
		tags = append(tags, RuleSetAds)
	}
	for _, g := range enabledGroups(s) {
		tags = append(tags, g.RuleSets...)
	}
	return tags
}

func dnsStrategy(s param.RuntimeConfig) string {
	if s.PreferIPv6 {
		return "prefer_ipv6"
	}
	return "prefer_ipv4"
}

func dnsServers(s param.RuntimeConfig) []DNSServer {
	return []DNSServer{
		{Tag: DNSProxy, Address: s.DNS.Proxy, AddressResolver: DNSResolver, Detour: TagManual},
		{Tag: DNSDirect, Address: s.DNS.Domestic, AddressResolver: DNSResolver, Detour: TagDirect},
		{Tag: DNSResolver, Address: s.DNS.Resolver, Detour: TagDirect},
		{Tag: DNSBlock, Address: "rcode://success"},
	}
}

func dnsRules(s param.RuntimeConfig) []DNSRule {
	rules := []DNSRule{{Outbound: []string{"any"}, Server: DNSResolver}}
	if s.Features.AdBlock {
		rules = append(rules, dnsAdRule())
	}
	rules = append(rules,
		DNSRule{ClashMode: "direct", Server: DNSDirect},
		DNSRule{ClashMode: "global", Server: DNSProxy},
		DNSRule{RuleSet: []string{RuleSetSiteCN}, Server: DNSDirect},
	)
	return rules
}

func dnsAdRule() DNSRule {
	return DNSRule{RuleSet: []string{RuleSetAds}, Server: DNSBlock}
}

func routeAdRule() RouteRule {
	return RouteRule{RuleSet: []string{RuleSetAds}, Action: "reject"}
}

func hijackRule() RouteRule {
	return RouteRule{Protocol: "dns", Action: "hijack-dns"}
}

func businessRule(g businessGroup) RouteRule {
	return RouteRule{RuleSet: append([]string(nil), g.RuleSets...), Outbound: g.Tag}
}

func routeRules(s param.RuntimeConfig) []RouteRule {
	rules := []RouteRule{{Action: "sniff"}}
	if s.Features.DNSHijack {
		rules = append(rules, hijackRule())
	}
	rules = append(rules,
		RouteRule{ClashMode: "direct", Outbound: TagDirect},
		RouteRule{ClashMode: "global", Outbound: TagManual},
	)
	if s.Features.AdBlock {
		rules = append(rules, routeAdRule())
	}
	for _, g := range enabledGroups(s) {
		rules = append(rules, businessRule(g))
	}
	rules = append(rules,
		RouteRule{IPIsPrivate: true, Outbound: TagDirect},
		RouteRule{RuleSet: []string{RuleSetSiteCN, RuleSetIPCN}, Outbound: TagDirect},
	)
	return rules
}

func mixedInbound(s param.RuntimeConfig) Inbound {
	return Inbound{Type: "mixed", Tag: TagMixedIn, Listen: s.ListenAddr(), ListenPort: s.ProxyPort}
}

func tunInbound(s param.RuntimeConfig) Inbound {
	addr := []string{s.Tun.IPv4}
	if s.Tun.IPv6 != "" {
		addr = append(addr, s.Tun.IPv6)
	}
	return Inbound{
		Type:          "tun",
		Tag:           TagTunIn,
		InterfaceName: s.Tun.InterfaceName(),
		Address:       addr,
		MTU:           s.Tun.MTU,
		AutoRoute:     s.Tun.AutoRoute,
		StrictRoute:   s.Tun.StrictRoute,
		Stack:         s.Tun.Stack,
	}
}

func inbounds(s param.RuntimeConfig) []Inbound {
	in := []Inbound{mixedInbound(s)}
	if s.TunEnabled() {
		in = append(in, tunInbound(s))
	}
	return in
}

func businessOutbound(g businessGroup) Outbound {
	return Outbound{Type: "selector", Tag: g.Tag, Outbounds: []string{TagManual, TagDirect}, Default: TagManual}
}

func autoOutbound(s param.RuntimeConfig) Outbound {
	return Outbound{Type: "urltest", Tag: TagAuto, URL: s.ProbeURL, Interval: s.ProbeInterval, Tolerance: 50}
}

func controller(s param.RuntimeConfig) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(s.APIPort))
}

func clashAPI(s param.RuntimeConfig) *ClashAPIOptions {
	return &ClashAPIOptions{
		ExternalController:       controller(s),
		ExternalUI:               "ui",
		ExternalUIDownloadURL:    "https://github.com/MetaCubeX/metacubexd/archive/refs/heads/gh-pages.zip",
		ExternalUIDownloadDetour: TagManual,
		Secret:                   s.Secret,
		DefaultMode:              "rule",
	}
}

// BaseOptions builds the typed skeleton for s.
func BaseOptions(s param.RuntimeConfig) *Options {
	o := &Options{
		Log: &LogOptions{Level: logLevel(s), Timestamp: true},
		Experimental: &ExperimentalOptions{
			ClashAPI:  clashAPI(s),
			CacheFile: &CacheFileOptions{Enabled: true},
		},
		DNS: &DNSOptions{
			Servers:          dnsServers(s),
			Rules:            dnsRules(s),
			Final:            DNSProxy,
			Strategy:         dnsStrategy(s),
			IndependentCache: true,
		},
		Inbounds: inbounds(s),
		Outbounds: []Outbound{
			{Type: "selector", Tag: TagManual, Outbounds: []string{TagAuto}, Default: TagAuto, InterruptExistConnections: true},
			autoOutbound(s),
		},
		Route: &RouteOptions{
			Rules:                 routeRules(s),
			Final:                 TagManual,
			AutoDetectInterface:   true,
			DefaultDomainResolver: DNSDirect,
		},
	}
	for _, g := range enabledGroups(s) {
		o.Outbounds = append(o.Outbounds, businessOutbound(g))
	}
	o.Outbounds = append(o.Outbounds,
		Outbound{Type: "direct", Tag: TagDirect},
		Outbound{Type: "block", Tag: TagBlock},
	)
	detour := ruleSetDetour(s)
	for _, tag := range ruleSetTags(s) {
		o.Route.RuleSet = append(o.Route.RuleSet, RuleSet{Type: "remote", Tag: tag, Format: "binary", URL: ruleSetURL(tag), DownloadDetour: detour})
	}
	return o
}

func logLevel(s param.RuntimeConfig) string {
	if s.LogLevel == "" {
		return "info"
	}
	return s.LogLevel
}

// GenerateBaseConfig returns the skeleton document without proxy nodes.
func GenerateBaseConfig(s param.RuntimeConfig) (Document, error) {
	return fromOptions(BaseOptions(s))
}
