package extension

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Config is an ordered key-value mapping of extension settings.
// Keys are unique and iteration follows insertion order.
type Config struct {
	keys   []string
	values map[string]any
}

// NewConfig returns an empty Config
func NewConfig() *Config {
	return &Config{values: make(map[string]any)}
}

// ParseConfig decodes a YAML or JSON mapping into a Config, preserving key order
func ParseConfig(data []byte) (*Config, error) {
	cfg := NewConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Set stores value under key. An existing key keeps its original position.
func (c *Config) Set(key string, value any) {
	if c.values == nil {
		c.values = make(map[string]any)
	}
	if _, ok := c.values[key]; !ok {
		c.keys = append(c.keys, key)
	}
	c.values[key] = value
}

// Get returns the value stored under key
func (c *Config) Get(key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.values[key]
	return v, ok
}

// String returns the value under key if it is a string, fallback otherwise
func (c *Config) String(key, fallback string) string {
	v, ok := c.Get(key)
	if !ok {
		return fallback
	}
	s, ok := v.(string)
	if !ok {
		return fallback
	}
	return s
}

// Sub returns the nested mapping under key
func (c *Config) Sub(key string) (*Config, bool) {
	v, ok := c.Get(key)
	if !ok {
		return nil, false
	}
	sub, ok := v.(*Config)
	return sub, ok
}

// Keys returns the keys in insertion order
func (c *Config) Keys() []string {
	if c == nil {
		return nil
	}
	keys := make([]string, len(c.keys))
	copy(keys, c.keys)
	return keys
}

// Len returns the number of keys
func (c *Config) Len() int {
	if c == nil {
		return 0
	}
	return len(c.keys)
}

// Map converts the Config, including nested mappings, to plain maps
func (c *Config) Map() map[string]any {
	out := make(map[string]any, c.Len())
	for _, k := range c.Keys() {
		out[k] = plain(c.values[k])
	}
	return out
}

func plain(v any) any {
	switch t := v.(type) {
	case *Config:
		return t.Map()
	case []any:
		items := make([]any, len(t))
		for i, item := range t {
			items[i] = plain(item)
		}
		return items
	default:
		return v
	}
}

// maxDecodedNodes bounds a single decode, counting every node reached through alias expansion
const maxDecodedNodes = 10000

// UnmarshalYAML implements yaml.Unmarshaler
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	d := &nodeDecoder{expanding: make(map[*yaml.Node]bool)}
	return d.mapping(c, node)
}

// nodeDecoder walks one document. Aliases are expanded in place, so it tracks
// the anchors being expanded and the total number of nodes visited.
type nodeDecoder struct {
	expanding map[*yaml.Node]bool
	decoded   int
}

func (d *nodeDecoder) mapping(c *Config, node *yaml.Node) error {
	if node.Kind == yaml.DocumentNode && len(node.Content) == 1 {
		node = node.Content[0]
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: expected a mapping, got %s", node.Line, kindName(node.Kind))
	}

	c.keys = nil
	c.values = make(map[string]any, len(node.Content)/2)

	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode, valueNode := node.Content[i], node.Content[i+1]

		var key string
		if err := keyNode.Decode(&key); err != nil {
			return fmt.Errorf("line %d: invalid key: %w", keyNode.Line, err)
		}
		if _, dup := c.values[key]; dup {
			return fmt.Errorf("line %d: duplicate key %q", keyNode.Line, key)
		}

		value, err := d.decode(valueNode)
		if err != nil {
			return err
		}
		c.Set(key, value)
	}

	return nil
}

func (d *nodeDecoder) decode(node *yaml.Node) (any, error) {
	d.decoded++
	if d.decoded > maxDecodedNodes {
		return nil, fmt.Errorf("line %d: document exceeds %d nodes after alias expansion", node.Line, maxDecodedNodes)
	}

	switch node.Kind {
	case yaml.MappingNode:
		sub := NewConfig()
		if err := d.mapping(sub, node); err != nil {
			return nil, err
		}
		return sub, nil
	case yaml.SequenceNode:
		items := make([]any, 0, len(node.Content))
		for _, item := range node.Content {
			v, err := d.decode(item)
			if err != nil {
				return nil, err
			}
			items = append(items, v)
		}
		return items, nil
	case yaml.AliasNode:
		return d.alias(node)
	default:
		var v any
		if err := node.Decode(&v); err != nil {
			return nil, fmt.Errorf("line %d: %w", node.Line, err)
		}
		return v, nil
	}
}

func (d *nodeDecoder) alias(node *yaml.Node) (any, error) {
	target := node.Alias
	if target == nil {
		return nil, fmt.Errorf("line %d: unknown anchor %q", node.Line, node.Value)
	}
	if d.expanding[target] {
		return nil, fmt.Errorf("line %d: anchor %q value contains itself", node.Line, target.Anchor)
	}

	d.expanding[target] = true
	defer delete(d.expanding, target)

	return d.decode(target)
}

// MarshalYAML implements yaml.Marshaler, emitting keys in insertion order
func (c *Config) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, k := range c.Keys() {
		var value yaml.Node
		if err := value.Encode(c.values[k]); err != nil {
			return nil, err
		}
		node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: k}, &value)
	}
	return node, nil
}

// MarshalJSON implements json.Marshaler. Key order is not preserved by encoding/json maps.
func (c *Config) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Map())
}

func kindName(kind yaml.Kind) string {
	switch kind {
	case yaml.SequenceNode:
		return "sequence"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	case yaml.DocumentNode:
		return "document"
	default:
		return "node"
	}
}
