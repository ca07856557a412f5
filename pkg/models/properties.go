package models

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Properties is an ordered property bag. It backs matrix include and exclude
// entries as well as expanded matrix combinations.
type Properties struct {
	Keys   []string
	Values map[string]any
}

// NewProperties builds a bag from alternating key/value pairs.
func NewProperties(kv ...any) Properties {
	var p Properties
	for i := 0; i+1 < len(kv); i += 2 {
		p.Set(fmt.Sprint(kv[i]), kv[i+1])
	}
	return p
}

func (p *Properties) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: expected a mapping", node.Line)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		var v any
		if err := node.Content[i+1].Decode(&v); err != nil {
			return err
		}
		p.Set(node.Content[i].Value, v)
	}
	return nil
}

func (p Properties) Get(key string) (any, bool) {
	v, ok := p.Values[key]
	return v, ok
}

// Set adds or replaces a key. New keys are appended to the key order.
func (p *Properties) Set(key string, value any) {
	if p.Values == nil {
		p.Values = make(map[string]any)
	}
	if _, ok := p.Values[key]; !ok {
		p.Keys = append(p.Keys, key)
	}
	p.Values[key] = value
}

func (p Properties) Len() int { return len(p.Keys) }

func (p Properties) Clone() Properties {
	c := Properties{
		Keys:   append([]string(nil), p.Keys...),
		Values: make(map[string]any, len(p.Values)),
	}
	for k, v := range p.Values {
		c.Values[k] = v
	}
	return c
}

// Map returns a copy of the values as a plain map.
func (p Properties) Map() map[string]any {
	m := make(map[string]any, len(p.Values))
	for k, v := range p.Values {
		m[k] = v
	}
	return m
}

// Equal compares keys and values, ignoring key order.
func (p Properties) Equal(o Properties) bool {
	if len(p.Keys) != len(o.Keys) {
		return false
	}
	for k, v := range p.Values {
		ov, ok := o.Values[k]
		if !ok || !reflect.DeepEqual(v, ov) {
			return false
		}
	}
	return true
}

// String renders the values in key order, e.g. "11, 5.15".
func (p Properties) String() string {
	parts := make([]string, 0, len(p.Keys))
	for _, k := range p.Keys {
		parts = append(parts, flatten(p.Values[k]))
	}
	return strings.Join(parts, ", ")
}

func flatten(v any) string {
	switch t := v.(type) {
	case map[string]any:
		parts := make([]string, 0, len(t))
		for _, k := range sortedKeys(t) {
			parts = append(parts, flatten(t[k]))
		}
		return strings.Join(parts, ", ")
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			parts = append(parts, flatten(e))
		}
		return strings.Join(parts, ", ")
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
