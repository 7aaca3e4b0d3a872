package confgen

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// ExtractNodes turns subscription text into nodes. It tries, in order, a
// structured document (kernel outbounds, proxy list, SIP008), one URI per
// line, then base64 of the whole payload. Nodes missing a required field
// are dropped.
func ExtractNodes(raw string) []Node {
	if nodes := extract(raw); len(nodes) > 0 {
		return nodes
	}
	payload := strings.Join(strings.Fields(raw), "")
	if payload == "" {
		return nil
	}
	candidates := []string{payload}
	if i := strings.Index(payload, "://"); i > 0 {
		candidates = append(candidates, payload[i+3:])
	}
	for _, c := range candidates {
		data, err := decodeBase64(c)
		if err != nil {
			continue
		}
		if nodes := extract(string(data)); len(nodes) > 0 {
			return nodes
		}
	}
	return nil
}

func extract(text string) []Node {
	if nodes := finish(parseStructured([]byte(text))); len(nodes) > 0 {
		return nodes
	}
	return finish(parseLines(text))
}

// finish drops invalid nodes and fills in missing tags.
func finish(nodes []Node) []Node {
	out := nodes[:0]
	for _, n := range nodes {
		if n.Tag == "" {
			n.Tag = n.defaultTag()
		}
		if n.Validate() != nil {
			continue
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func parseStructured(data []byte) []Node {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	var root any
	if data[0] == '{' || data[0] == '[' {
		if err := json.Unmarshal(jsonc.ToJSON(data), &root); err != nil {
			return nil
		}
	} else {
		if err := yaml.Unmarshal(data, &root); err != nil {
			return nil
		}
		root = normalizeYAML(root)
	}
	switch v := root.(type) {
	case map[string]any:
		return fromObject(v)
	case []any:
		return fromList(v)
	}
	return nil
}

func fromObject(root map[string]any) []Node {
	var nodes []Node
	if list, ok := root["outbounds"].([]any); ok {
		for _, item := range list {
			if o, ok := item.(map[string]any); ok {
				if n, ok := fromNative(o); ok {
					nodes = append(nodes, n)
				}
			}
		}
	}
	if list, ok := root["proxies"].([]any); ok {
		for _, item := range list {
			if p, ok := item.(map[string]any); ok {
				if n, ok := fromClash(p); ok {
					nodes = append(nodes, n)
				}
			}
		}
	}
	if list, ok := root["servers"].([]any); ok {
		for _, item := range list {
			if s, ok := item.(map[string]any); ok {
				if n, ok := fromSIP008(s); ok {
					nodes = append(nodes, n)
				}
			}
		}
	}
	return nodes
}

// fromList handles a bare array of kernel outbounds or proxy-list entries.
func fromList(list []any) []Node {
	var nodes []Node
	for _, item := range list {
		o, ok := item.(map[string]any)
		if !ok {
			continue
		}
		var n Node
		if _, native := o["server_port"]; native {
			n, ok = fromNative(o)
		} else {
			n, ok = fromClash(o)
		}
		if ok {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// fromNative keeps a kernel outbound verbatim; only recognized protocol
// types are taken.
func fromNative(o map[string]any) (Node, bool) {
	t := str(o, "type")
	if !IsProtocol(t) {
		return Node{}, false
	}
	n := Node{
		Tag:      str(o, "tag"),
		Type:     t,
		Server:   str(o, "server"),
		Port:     num(o, "server_port"),
		UUID:     str(o, "uuid"),
		Password: str(o, "password", "auth_str"),
		Method:   str(o, "method"),
		raw:      deepCopy(o).(map[string]any),
	}
	return n, true
}

// fromSIP008 maps one entry of a SIP008 server list.
func fromSIP008(s map[string]any) (Node, bool) {
	if str(s, "server") == "" || str(s, "method") == "" {
		return Node{}, false
	}
	n := Node{
		Tag:      str(s, "remarks", "id"),
		Type:     TypeShadowsocks,
		Server:   str(s, "server"),
		Port:     num(s, "server_port"),
		Method:   str(s, "method"),
		Password: str(s, "password"),
		Plugin:   str(s, "plugin"),
	}
	n.PluginOpts = str(s, "plugin_opts")
	return n, true
}

func parseLines(text string) []Node {
	var nodes []Node
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !hasScheme(line) {
			continue
		}
		n, err := ParseURI(line)
		if err != nil {
			continue
		}
		nodes = append(nodes, n)
	}
	return nodes
}
