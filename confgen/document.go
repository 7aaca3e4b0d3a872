package confgen

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Document is the generic tree of a kernel configuration. Numbers are
// float64 after any round trip through Normalize.
type Document map[string]any

var ErrNotObject = errors.New("document root is not an object")

// Parse decodes a JSON document. The root must be an object.
func Parse(data []byte) (Document, error) {
	var root any
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	m, ok := root.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}
	return Document(m), nil
}

func (d Document) Marshal() ([]byte, error) {
	return json.MarshalIndent(map[string]any(d), "", "  ")
}

// Clone deep-copies d through JSON.
func (d Document) Clone() (Document, error) {
	if d == nil {
		return nil, ErrNotObject
	}
	data, err := json.Marshal(map[string]any(d))
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func fromOptions(o *Options) (Document, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// object returns d[key] as an object, creating it when missing.
func object(parent map[string]any, key string) (map[string]any, error) {
	v, ok := parent[key]
	if !ok || v == nil {
		m := map[string]any{}
		parent[key] = m
		return m, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s: not an object", key)
	}
	return m, nil
}

// array returns parent[key] as a list of objects. A missing key yields nil;
// non-object members are an error.
func array(parent map[string]any, key string) ([]map[string]any, error) {
	v, ok := parent[key]
	if !ok || v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%s: not an array", key)
	}
	out := make([]map[string]any, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s[%d]: not an object", key, i)
		}
		out = append(out, m)
	}
	return out, nil
}

func setArray(parent map[string]any, key string, items []map[string]any) {
	list := make([]any, len(items))
	for i, m := range items {
		list[i] = m
	}
	parent[key] = list
}

func findTag(items []map[string]any, tag string) (map[string]any, int) {
	for i, m := range items {
		if s, _ := m["tag"].(string); s == tag {
			return m, i
		}
	}
	return nil, -1
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...)
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{list}
	}
	return nil
}

func anyList(list []string) []any {
	out := make([]any, len(list))
	for i, s := range list {
		out[i] = s
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Tags lists every outbound tag in document order.
func (d Document) Tags() ([]string, error) {
	outbounds, err := array(d, "outbounds")
	if err != nil {
		return nil, err
	}
	tags := make([]string, 0, len(outbounds))
	for _, o := range outbounds {
		if s, ok := o["tag"].(string); ok {
			tags = append(tags, s)
		}
	}
	return tags, nil
}

// GroupMembers returns the member list of the group tagged tag.
func (d Document) GroupMembers(tag string) []string {
	outbounds, err := array(d, "outbounds")
	if err != nil {
		return nil
	}
	g, _ := findTag(outbounds, tag)
	if g == nil {
		return nil
	}
	return stringList(g["outbounds"])
}
