package confgen

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/vishalkuo/bimap"
)

var errScheme = errors.New("unrecognized scheme")

// schemes maps URI schemes to protocol types.
var schemes = newSchemeTable()

var schemeAliases = map[string]string{
	"hy2":    "hysteria2",
	"socks5": "socks",
	"https":  "http",
}

func newSchemeTable() *bimap.BiMap[string, string] {
	m := bimap.NewBiMap[string, string]()
	m.Insert("ss", TypeShadowsocks)
	m.Insert("vmess", TypeVMess)
	m.Insert("vless", TypeVLESS)
	m.Insert("trojan", TypeTrojan)
	m.Insert("hysteria", TypeHysteria)
	m.Insert("hysteria2", TypeHysteria2)
	m.Insert("tuic", TypeTUIC)
	m.Insert("socks", TypeSocks)
	m.Insert("http", TypeHTTP)
	return m
}

// schemeType resolves a scheme (or alias) to its protocol type.
func schemeType(scheme string) (string, bool) {
	scheme = strings.ToLower(scheme)
	if a, ok := schemeAliases[scheme]; ok {
		scheme = a
	}
	return schemes.Get(scheme)
}

// SchemeOf returns the canonical URI scheme for a protocol type.
func SchemeOf(protocol string) string {
	v, _ := schemes.GetInverse(protocol)
	return v
}

// hasScheme reports whether line starts with a recognized "scheme://".
func hasScheme(line string) bool {
	i := strings.Index(line, "://")
	if i <= 0 {
		return false
	}
	_, ok := schemeType(line[:i])
	return ok
}

// ParseURI parses one connection URI into a node.
func ParseURI(line string) (Node, error) {
	line = strings.TrimSpace(line)
	i := strings.Index(line, "://")
	if i <= 0 {
		return Node{}, errScheme
	}
	scheme := strings.ToLower(line[:i])
	t, ok := schemeType(scheme)
	if !ok {
		return Node{}, errScheme
	}
	switch t {
	case TypeVMess:
		if n, err := parseVMessJSON(line[i+3:]); err == nil {
			return n, nil
		}
	case TypeShadowsocks:
		return parseShadowsocks(line[i+3:])
	}
	u, err := url.Parse(line)
	if err != nil {
		return Node{}, err
	}
	n, err := hostPort(u, t)
	if err != nil {
		return Node{}, err
	}
	q := u.Query()
	switch t {
	case TypeVMess:
		n.UUID = u.User.Username()
		n.Security = q.Get("encryption")
		n.AlterID, _ = strconv.Atoi(q.Get("alterId"))
	case TypeVLESS:
		n.UUID = u.User.Username()
		n.Flow = q.Get("flow")
	case TypeTrojan:
		n.Password = u.User.Username()
	case TypeHysteria2:
		n.Password = userinfo(u)
		n.Obfs = q.Get("obfs")
		n.ObfsPassword = q.Get("obfs-password")
		n.UpMbps = atoiMbps(q.Get("upmbps"))
		n.DownMbps = atoiMbps(q.Get("downmbps"))
	case TypeHysteria:
		n.Password = first(q, "auth", "auth_str")
		n.UpMbps = atoiMbps(first(q, "upmbps", "up"))
		n.DownMbps = atoiMbps(first(q, "downmbps", "down"))
		n.ObfsPassword = first(q, "obfsParam", "obfs")
	case TypeTUIC:
		n.UUID = u.User.Username()
		n.Password, _ = u.User.Password()
		n.CongestionControl = first(q, "congestion_control", "congestion-control")
		n.UDPRelayMode = first(q, "udp_relay_mode", "udp-relay-mode")
	case TypeSocks, TypeHTTP:
		n.Username, n.Password = credentials(u)
	}
	n.TLS = queryTLS(q, t, scheme == "https")
	n.Transport = queryTransport(q)
	return n, nil
}

func hostPort(u *url.URL, t string) (Node, error) {
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return Node{}, fmt.Errorf("%s: bad port %q", u.Scheme, u.Port())
	}
	return Node{
		Tag:    strings.TrimSpace(u.Fragment),
		Type:   t,
		Server: u.Hostname(),
		Port:   port,
	}, nil
}

// userinfo returns "user" or "user:pass" as a single secret.
func userinfo(u *url.URL) string {
	if u.User == nil {
		return ""
	}
	if p, ok := u.User.Password(); ok {
		return u.User.Username() + ":" + p
	}
	return u.User.Username()
}

// credentials handles both user:pass and base64(user:pass) userinfo.
func credentials(u *url.URL) (string, string) {
	if u.User == nil {
		return "", ""
	}
	if p, ok := u.User.Password(); ok {
		return u.User.Username(), p
	}
	name := u.User.Username()
	if raw, err := decodeBase64(name); err == nil {
		if user, pass, ok := strings.Cut(string(raw), ":"); ok {
			return user, pass
		}
	}
	return name, ""
}

func first(q url.Values, keys ...string) string {
	for _, k := range keys {
		if v := q.Get(k); v != "" {
			return v
		}
	}
	return ""
}

func atoiMbps(s string) int {
	return mbps(map[string]any{"v": s}, "v")
}

func truthy(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func queryTLS(q url.Values, t string, force bool) *TLS {
	security := strings.ToLower(q.Get("security"))
	pbk := q.Get("pbk")
	if !force && !requiresTLS(t) && security != "tls" && security != "reality" && pbk == "" {
		return nil
	}
	tls := &TLS{
		ServerName:  first(q, "sni", "peer", "servername"),
		ALPN:        splitList(q.Get("alpn")),
		Insecure:    truthy(first(q, "allowInsecure", "insecure", "skip-cert-verify")),
		Fingerprint: q.Get("fp"),
	}
	if security == "reality" || pbk != "" {
		tls.Reality = &Reality{PublicKey: pbk, ShortID: q.Get("sid"), SpiderX: q.Get("spx")}
	}
	return tls
}

func queryTransport(q url.Values) *Transport {
	switch network := strings.ToLower(q.Get("type")); network {
	case "ws", "httpupgrade":
		return &Transport{Type: network, Path: q.Get("path"), Host: q.Get("host")}
	case "grpc":
		return &Transport{Type: "grpc", ServiceName: first(q, "serviceName", "service_name")}
	case "http", "h2":
		return &Transport{Type: "http", Path: q.Get("path"), Host: q.Get("host")}
	}
	return nil
}

// vmessLink is the base64 JSON payload of a vmess:// URI.
type vmessLink struct {
	PS   string          `json:"ps"`
	Add  string          `json:"add"`
	Port json.RawMessage `json:"port"`
	ID   string          `json:"id"`
	Aid  json.RawMessage `json:"aid"`
	Scy  string          `json:"scy"`
	Net  string          `json:"net"`
	Type string          `json:"type"`
	Host string          `json:"host"`
	Path string          `json:"path"`
	TLS  string          `json:"tls"`
	SNI  string          `json:"sni"`
	ALPN string          `json:"alpn"`
	FP   string          `json:"fp"`
	Pbk  string          `json:"pbk"`
	Sid  string          `json:"sid"`
	Spx  string          `json:"spx"`
}

// looseInt accepts 443 and "443".
func looseInt(raw json.RawMessage) int {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	n, _ := strconv.Atoi(s)
	return n
}

func parseVMessJSON(payload string) (Node, error) {
	if i := strings.IndexAny(payload, "#?"); i >= 0 {
		payload = payload[:i]
	}
	data, err := decodeBase64(payload)
	if err != nil {
		return Node{}, err
	}
	var v vmessLink
	if err := json.Unmarshal(data, &v); err != nil {
		return Node{}, err
	}
	n := Node{
		Tag:      strings.TrimSpace(v.PS),
		Type:     TypeVMess,
		Server:   strings.TrimSpace(v.Add),
		Port:     looseInt(v.Port),
		UUID:     v.ID,
		AlterID:  looseInt(v.Aid),
		Security: v.Scy,
	}
	if v.TLS == "tls" || v.TLS == "reality" {
		n.TLS = &TLS{ServerName: firstNonEmpty(v.SNI, v.Host), ALPN: splitList(v.ALPN), Fingerprint: v.FP}
		if v.TLS == "reality" {
			if v.Pbk == "" {
				return Node{}, errors.New("vmess: reality without pbk")
			}
			n.TLS.Reality = &Reality{PublicKey: v.Pbk, ShortID: v.Sid, SpiderX: v.Spx}
		}
	}
	switch v.Net {
	case "ws", "httpupgrade":
		n.Transport = &Transport{Type: v.Net, Path: v.Path, Host: v.Host}
	case "grpc":
		n.Transport = &Transport{Type: "grpc", ServiceName: v.Path}
	case "h2", "http":
		n.Transport = &Transport{Type: "http", Path: v.Path, Host: v.Host}
	case "tcp":
		if v.Type == "http" {
			n.Transport = &Transport{Type: "http", Path: v.Path, Host: v.Host}
		}
	}
	return n, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// parseShadowsocks accepts SIP002 (userinfo base64 or plain) and the legacy
// fully-encoded form.
func parseShadowsocks(rest string) (Node, error) {
	tag := ""
	if i := strings.IndexByte(rest, '#'); i >= 0 {
		tag, _ = url.PathUnescape(rest[i+1:])
		rest = rest[:i]
	}
	query := ""
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		query = rest[i+1:]
		rest = rest[:i]
	}
	rest = strings.TrimSuffix(rest, "/")
	if !strings.Contains(rest, "@") {
		data, err := decodeBase64(rest)
		if err != nil {
			return Node{}, fmt.Errorf("ss: %w", err)
		}
		rest = string(data)
	}
	at := strings.LastIndexByte(rest, '@')
	if at < 0 {
		return Node{}, errors.New("ss: missing host")
	}
	user, addr := rest[:at], rest[at+1:]
	if dec, err := url.PathUnescape(user); err == nil {
		user = dec
	}
	method, password, ok := strings.Cut(user, ":")
	if !ok {
		data, err := decodeBase64(user)
		if err != nil {
			return Node{}, fmt.Errorf("ss: %w", err)
		}
		method, password, _ = strings.Cut(string(data), ":")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Node{}, fmt.Errorf("ss: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Node{}, fmt.Errorf("ss: bad port %q", portStr)
	}
	n := Node{
		Tag:      strings.TrimSpace(tag),
		Type:     TypeShadowsocks,
		Server:   host,
		Port:     port,
		Method:   method,
		Password: password,
	}
	if query != "" {
		q, _ := url.ParseQuery(query)
		if plugin := q.Get("plugin"); plugin != "" {
			n.Plugin, n.PluginOpts, _ = strings.Cut(plugin, ";")
		}
	}
	return n, nil
}

var encodings = []*base64.Encoding{
	base64.StdEncoding,
	base64.RawStdEncoding,
	base64.URLEncoding,
	base64.RawURLEncoding,
}

// decodeBase64 tries the standard and URL-safe alphabets, padded or not.
func decodeBase64(s string) ([]byte, error) {
	s = strings.Join(strings.Fields(s), "")
	var lastErr error
	for _, enc := range encodings {
		data, err := enc.DecodeString(s)
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
