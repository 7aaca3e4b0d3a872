package confgen

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dosgo/xkernel/ipcheck"
	"github.com/dosgo/xkernel/param"
)

var (
	ErrMissingTag  = errors.New("node has no tag")
	ErrMissingType = errors.New("node has no protocol type")
)

// InjectNodes returns a copy of doc with nodes appended as outbounds and
// the eligible ones added to the manual, auto and business groups. Tags
// that collide with existing outbounds are renamed "tag-1", "tag-2", ...
// doc is never modified.
func InjectNodes(doc Document, s param.RuntimeConfig, nodes []Node) (Document, error) {
	if doc == nil {
		return nil, ErrNotObject
	}
	for i := range nodes {
		if nodes[i].Tag == "" {
			return nil, fmt.Errorf("node %d: %w", i, ErrMissingTag)
		}
		if nodes[i].Type == "" {
			return nil, fmt.Errorf("node %q: %w", nodes[i].Tag, ErrMissingType)
		}
	}
	out, err := doc.Clone()
	if err != nil {
		return nil, err
	}
	outbounds, err := array(out, "outbounds")
	if err != nil {
		return nil, err
	}
	used := make(map[string]bool, len(outbounds)+len(nodes))
	for _, o := range outbounds {
		if tag, ok := o["tag"].(string); ok {
			used[tag] = true
		}
	}

	rendered := make([]map[string]any, 0, len(nodes))
	var eligible []string
	for i := range nodes {
		n := &nodes[i]
		tag := uniqueTag(n.Tag, used)
		used[tag] = true
		ob := n.Outbound()
		ob["tag"] = tag
		if n.Server != "" && !ipcheck.IsIP(n.Server) {
			if _, ok := ob["domain_resolver"]; !ok {
				ob["domain_resolver"] = DNSDirect
			}
		}
		rendered = append(rendered, ob)
		if n.Eligible() {
			eligible = append(eligible, tag)
		}
	}

	for _, o := range outbounds {
		tag, _ := o["tag"].(string)
		switch {
		case tag == TagAuto:
			members := stringList(o["outbounds"])
			if len(eligible) > 0 && len(members) == 1 && members[0] == TagDirect {
				members = nil
			}
			o["outbounds"] = anyList(appendUnique(members, eligible...))
		case tag == TagManual, isBusinessTag(tag):
			o["outbounds"] = anyList(appendUnique(stringList(o["outbounds"]), eligible...))
		}
	}

	at := sinkIndex(outbounds)
	merged := make([]map[string]any, 0, len(outbounds)+len(rendered))
	merged = append(merged, outbounds[:at]...)
	merged = append(merged, rendered...)
	merged = append(merged, outbounds[at:]...)
	setArray(out, "outbounds", merged)
	return out.Clone()
}

// GenerateConfig builds the base document for s and injects nodes. When no
// node is eligible the auto group falls back to direct.
func GenerateConfig(s param.RuntimeConfig, nodes []Node) (Document, error) {
	base, err := GenerateBaseConfig(s)
	if err != nil {
		return nil, err
	}
	doc, err := InjectNodes(base, s, nodes)
	if err != nil {
		return nil, err
	}
	if len(doc.GroupMembers(TagAuto)) == 0 {
		outbounds, _ := array(doc, "outbounds")
		if auto, _ := findTag(outbounds, TagAuto); auto != nil {
			auto["outbounds"] = []any{TagDirect}
		}
	}
	return doc, nil
}

func uniqueTag(tag string, used map[string]bool) string {
	if !used[tag] {
		return tag
	}
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s-%d", tag, i)
		if !used[candidate] {
			return candidate
		}
	}
}

func appendUnique(list []string, items ...string) []string {
	for _, s := range items {
		if !containsString(list, s) {
			list = append(list, s)
		}
	}
	return list
}

// sinkIndex is where new outbounds go: before the direct/block sinks.
func sinkIndex(outbounds []map[string]any) int {
	for i, o := range outbounds {
		if tag, _ := o["tag"].(string); tag == TagDirect || tag == TagBlock {
			return i
		}
	}
	return len(outbounds)
}

// generic converts a typed skeleton value into a document object.
func generic(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}
