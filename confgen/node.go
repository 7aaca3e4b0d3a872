package confgen

import (
	"fmt"
	"strings"

	"github.com/dosgo/xkernel/ipcheck"
)

const (
	TypeShadowsocks = "shadowsocks"
	TypeVMess       = "vmess"
	TypeVLESS       = "vless"
	TypeTrojan      = "trojan"
	TypeHysteria    = "hysteria"
	TypeHysteria2   = "hysteria2"
	TypeTUIC        = "tuic"
	TypeSocks       = "socks"
	TypeHTTP        = "http"
)

var protocolTypes = []string{
	TypeShadowsocks, TypeVMess, TypeVLESS, TypeTrojan,
	TypeHysteria, TypeHysteria2, TypeTUIC, TypeSocks, TypeHTTP,
}

func IsProtocol(t string) bool {
	return containsString(protocolTypes, t)
}

type Reality struct {
	PublicKey string
	ShortID   string
	SpiderX   string
}

type TLS struct {
	ServerName  string
	ALPN        []string
	Insecure    bool
	Fingerprint string
	Reality     *Reality
}

type Transport struct {
	Type        string // ws, grpc, http, httpupgrade
	Path        string
	Host        string
	ServiceName string
}

// Node is one normalized proxy node.
type Node struct {
	Tag    string
	Type   string
	Server string
	Port   int

	UUID     string
	Password string
	Method   string
	Username string
	AlterID  int
	Security string
	Flow     string

	Plugin     string
	PluginOpts string

	UpMbps       int
	DownMbps     int
	Obfs         string
	ObfsPassword string

	CongestionControl string
	UDPRelayMode      string

	TLS       *TLS
	Transport *Transport

	// raw is set for kernel-native outbounds and rendered verbatim.
	raw map[string]any
}

// Eligible reports whether the node may join selector and urltest groups.
func (n *Node) Eligible() bool {
	return !ipcheck.IsUnroutable(n.Server) && n.Port > 0 && n.Port <= 65535
}

// Validate checks the protocol's required fields.
func (n *Node) Validate() error {
	if !IsProtocol(n.Type) {
		return fmt.Errorf("node %q: unsupported type %q", n.Tag, n.Type)
	}
	if n.Port <= 0 || n.Port > 65535 {
		return fmt.Errorf("node %q: invalid port %d", n.Tag, n.Port)
	}
	missing := ""
	switch n.Type {
	case TypeVMess, TypeVLESS, TypeTUIC:
		if n.UUID == "" {
			missing = "uuid"
		}
	case TypeTrojan, TypeHysteria2:
		if n.Password == "" {
			missing = "password"
		}
	case TypeShadowsocks:
		if n.Method == "" {
			missing = "method"
		} else if n.Password == "" && n.Method != "none" {
			missing = "password"
		}
	}
	if missing != "" {
		return fmt.Errorf("node %q: missing %s", n.Tag, missing)
	}
	return nil
}

func (n *Node) defaultTag() string {
	return n.Type + "-" + n.Server
}

// Outbound renders the node as a kernel outbound object.
func (n *Node) Outbound() map[string]any {
	if n.raw != nil {
		out := deepCopy(n.raw).(map[string]any)
		out["tag"] = n.Tag
		out["type"] = n.Type
		return out
	}
	out := map[string]any{
		"type":        n.Type,
		"tag":         n.Tag,
		"server":      n.Server,
		"server_port": n.Port,
	}
	set := func(k string, v string) {
		if v != "" {
			out[k] = v
		}
	}
	switch n.Type {
	case TypeShadowsocks:
		out["method"] = n.Method
		out["password"] = n.Password
		set("plugin", n.Plugin)
		set("plugin_opts", n.PluginOpts)
	case TypeVMess:
		out["uuid"] = n.UUID
		security := n.Security
		if security == "" {
			security = "auto"
		}
		out["security"] = security
		out["alter_id"] = n.AlterID
	case TypeVLESS:
		out["uuid"] = n.UUID
		set("flow", n.Flow)
	case TypeTrojan:
		out["password"] = n.Password
	case TypeHysteria2:
		out["password"] = n.Password
		if n.UpMbps > 0 {
			out["up_mbps"] = n.UpMbps
		}
		if n.DownMbps > 0 {
			out["down_mbps"] = n.DownMbps
		}
		if n.Obfs != "" {
			out["obfs"] = map[string]any{"type": n.Obfs, "password": n.ObfsPassword}
		}
	case TypeHysteria:
		set("auth_str", n.Password)
		out["up_mbps"] = orDefault(n.UpMbps, 10)
		out["down_mbps"] = orDefault(n.DownMbps, 50)
		set("obfs", n.ObfsPassword)
	case TypeTUIC:
		out["uuid"] = n.UUID
		set("password", n.Password)
		set("congestion_control", n.CongestionControl)
		set("udp_relay_mode", n.UDPRelayMode)
	case TypeSocks:
		out["version"] = "5"
		set("username", n.Username)
		set("password", n.Password)
	case TypeHTTP:
		set("username", n.Username)
		set("password", n.Password)
	}
	if tls := n.tlsBlock(); tls != nil {
		out["tls"] = tls
	}
	if tr := n.transportBlock(); tr != nil {
		out["transport"] = tr
	}
	return out
}

func orDefault(v, d int) int {
	if v > 0 {
		return v
	}
	return d
}

// requiresTLS lists protocols whose kernel outbound always carries TLS.
func requiresTLS(t string) bool {
	switch t {
	case TypeTrojan, TypeHysteria, TypeHysteria2, TypeTUIC:
		return true
	}
	return false
}

func (n *Node) tlsBlock() map[string]any {
	t := n.TLS
	if t == nil {
		if !requiresTLS(n.Type) {
			return nil
		}
		t = &TLS{}
	}
	block := map[string]any{"enabled": true}
	serverName := t.ServerName
	if serverName == "" && !ipcheck.IsIP(n.Server) {
		serverName = n.Server
	}
	if serverName != "" {
		block["server_name"] = serverName
	}
	if t.Insecure {
		block["insecure"] = true
	}
	if len(t.ALPN) > 0 {
		block["alpn"] = anyList(t.ALPN)
	}
	fp := t.Fingerprint
	if fp == "" && t.Reality != nil {
		fp = "chrome"
	}
	if fp != "" {
		block["utls"] = map[string]any{"enabled": true, "fingerprint": fp}
	}
	if r := t.Reality; r != nil {
		reality := map[string]any{"enabled": true, "public_key": r.PublicKey}
		if r.ShortID != "" {
			reality["short_id"] = r.ShortID
		}
		block["reality"] = reality
	}
	return block
}

func (n *Node) transportBlock() map[string]any {
	tr := n.Transport
	if tr == nil {
		return nil
	}
	switch tr.Type {
	case "ws":
		block := map[string]any{"type": "ws"}
		path := tr.Path
		if path == "" {
			path = "/"
		}
		if i := strings.Index(path, "?ed="); i >= 0 {
			var ed int
			fmt.Sscanf(path[i+4:], "%d", &ed)
			path = path[:i]
			if ed > 0 {
				block["max_early_data"] = ed
				block["early_data_header_name"] = "Sec-WebSocket-Protocol"
			}
		}
		block["path"] = path
		if tr.Host != "" {
			block["headers"] = map[string]any{"Host": tr.Host}
		}
		return block
	case "grpc":
		block := map[string]any{"type": "grpc"}
		if tr.ServiceName != "" {
			block["service_name"] = tr.ServiceName
		}
		return block
	case "http", "h2":
		block := map[string]any{"type": "http"}
		if tr.Host != "" {
			block["host"] = anyList(splitList(tr.Host))
		}
		if tr.Path != "" {
			block["path"] = tr.Path
		}
		return block
	case "httpupgrade":
		block := map[string]any{"type": "httpupgrade"}
		if tr.Host != "" {
			block["host"] = tr.Host
		}
		if tr.Path != "" {
			block["path"] = tr.Path
		}
		return block
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = deepCopy(val)
		}
		return m
	case []any:
		l := make([]any, len(t))
		for i, val := range t {
			l[i] = deepCopy(val)
		}
		return l
	}
	return v
}
