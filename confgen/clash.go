package confgen

import (
	"sort"
	"strings"
)

var clashTypes = map[string]string{
	"ss":        TypeShadowsocks,
	"vmess":     TypeVMess,
	"vless":     TypeVLESS,
	"trojan":    TypeTrojan,
	"hysteria":  TypeHysteria,
	"hysteria2": TypeHysteria2,
	"hy2":       TypeHysteria2,
	"tuic":      TypeTUIC,
	"socks5":    TypeSocks,
	"http":      TypeHTTP,
}

// fromClash maps one proxy-list entry. ok is false for unknown types.
func fromClash(p map[string]any) (Node, bool) {
	t, known := clashTypes[strings.ToLower(str(p, "type"))]
	if !known {
		return Node{}, false
	}
	n := Node{
		Tag:    str(p, "name"),
		Type:   t,
		Server: str(p, "server"),
		Port:   num(p, "port"),
	}
	switch t {
	case TypeShadowsocks:
		n.Method = str(p, "cipher")
		n.Password = str(p, "password")
		n.Plugin, n.PluginOpts = clashPlugin(p)
	case TypeVMess:
		n.UUID = str(p, "uuid")
		n.AlterID = num(p, "alterId", "alter-id")
		n.Security = str(p, "cipher")
	case TypeVLESS:
		n.UUID = str(p, "uuid")
		n.Flow = str(p, "flow")
	case TypeTrojan:
		n.Password = str(p, "password")
	case TypeHysteria2:
		n.Password = str(p, "password", "auth")
		n.UpMbps = mbps(p, "up")
		n.DownMbps = mbps(p, "down")
		n.Obfs = str(p, "obfs")
		n.ObfsPassword = str(p, "obfs-password")
	case TypeHysteria:
		n.Password = str(p, "auth-str", "auth_str", "auth")
		n.UpMbps = mbps(p, "up", "up-speed")
		n.DownMbps = mbps(p, "down", "down-speed")
		n.ObfsPassword = str(p, "obfs")
	case TypeTUIC:
		n.UUID = str(p, "uuid")
		n.Password = str(p, "password")
		n.CongestionControl = str(p, "congestion-controller", "congestion-control")
		n.UDPRelayMode = str(p, "udp-relay-mode")
	case TypeSocks, TypeHTTP:
		n.Username = str(p, "username")
		n.Password = str(p, "password")
	}
	n.TLS = clashTLS(p, t)
	n.Transport = clashTransport(p)
	return n, true
}

func clashTLS(p map[string]any, t string) *TLS {
	reality := sub(p, "reality-opts")
	if !boolean(p, "tls") && !requiresTLS(t) && reality == nil {
		return nil
	}
	tls := &TLS{
		ServerName:  str(p, "servername", "sni", "peer"),
		ALPN:        strs(p, "alpn"),
		Insecure:    boolean(p, "skip-cert-verify"),
		Fingerprint: str(p, "client-fingerprint"),
	}
	if reality != nil {
		tls.Reality = &Reality{
			PublicKey: str(reality, "public-key"),
			ShortID:   str(reality, "short-id"),
			SpiderX:   str(reality, "spider-x"),
		}
	}
	return tls
}

func clashTransport(p map[string]any) *Transport {
	switch network := str(p, "network"); network {
	case "ws":
		tr := &Transport{Type: "ws"}
		if opts := sub(p, "ws-opts"); opts != nil {
			tr.Path = str(opts, "path")
			if h := sub(opts, "headers"); h != nil {
				tr.Host = str(h, "Host", "host")
			}
			if ed := num(opts, "max-early-data"); ed > 0 && !strings.Contains(tr.Path, "?ed=") {
				tr.Path += "?ed=" + str(opts, "max-early-data")
			}
		}
		return tr
	case "grpc":
		tr := &Transport{Type: "grpc"}
		if opts := sub(p, "grpc-opts"); opts != nil {
			tr.ServiceName = str(opts, "grpc-service-name")
		}
		return tr
	case "h2", "http":
		key := network + "-opts"
		tr := &Transport{Type: "http"}
		if opts := sub(p, key); opts != nil {
			tr.Host = strings.Join(strs(opts, "host"), ",")
			if paths := strs(opts, "path"); len(paths) > 0 {
				tr.Path = paths[0]
			}
		}
		return tr
	}
	return nil
}

// clashPlugin renders plugin-opts in the kernel's "k=v;k=v" form with a
// stable key order.
func clashPlugin(p map[string]any) (string, string) {
	plugin := str(p, "plugin")
	if plugin == "" {
		return "", ""
	}
	switch plugin {
	case "obfs":
		plugin = "obfs-local"
	}
	opts := sub(p, "plugin-opts")
	if opts == nil {
		return plugin, ""
	}
	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		v := str(opts, k)
		if b, ok := opts[k].(bool); ok {
			if b {
				parts = append(parts, k)
			}
			continue
		}
		name := k
		if plugin == "obfs-local" {
			switch k {
			case "mode":
				name = "obfs"
			case "host":
				name = "obfs-host"
			}
		}
		parts = append(parts, name+"="+v)
	}
	return plugin, strings.Join(parts, ";")
}
