package store

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// configSection is the per-tag section name in the persisted file shape.
const configSection = "c"

// intsTag marks int64 lists whose kind the YAML alone cannot carry, such
// as an empty list.
const intsTag = "!ints"

// Document is the persisted file shape: typeID -> tagID -> section -> attribute -> value.
type Document map[int]map[int]map[string]map[string]any

// Snapshot returns the whole store in the persisted file shape.
func (s *Store) Snapshot() Document {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := make(Document)
	for key, attrs := range s.data {
		tags := doc[key.TypeID]
		if tags == nil {
			tags = make(map[int]map[string]map[string]any)
			doc[key.TypeID] = tags
		}
		section := make(map[string]any, len(attrs))
		for name, v := range attrs {
			section[name] = v.Any()
		}
		tags[key.TagID] = map[string]map[string]any{configSection: section}
	}
	return doc
}

// Export writes the persisted file shape as YAML.
func (s *Store) Export(w io.Writer) error {
	doc := s.Snapshot()
	for _, tags := range doc {
		for _, sections := range tags {
			section := sections[configSection]
			for name, v := range section {
				if ints, ok := v.([]int64); ok && len(ints) == 0 {
					section[name] = &yaml.Node{Kind: yaml.SequenceNode, Tag: intsTag, Style: yaml.FlowStyle}
				}
			}
		}
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	return enc.Close()
}

// Import replaces the attributes of every tag present in the YAML document.
// Tags absent from the document are left untouched. The whole document is
// converted before anything is replaced, so a bad value changes nothing.
func (s *Store) Import(r io.Reader) error {
	var doc map[int]map[int]map[string]map[string]yaml.Node
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("import: %w", err)
	}

	updates := make(map[Key]map[string]Value)
	for typeID, tags := range doc {
		for tagID, sections := range tags {
			key := Key{TypeID: typeID, TagID: tagID}
			attrs := make(map[string]Value, len(sections[configSection]))
			for name, node := range sections[configSection] {
				v, err := nodeValue(&node)
				if err != nil {
					return fmt.Errorf("import %s.%s: %w", key, name, err)
				}
				// An untagged empty list keeps the list kind already stored.
				if v.Kind == KindStrings && len(v.Strings) == 0 {
					if old, ok := s.Get(key, name); ok && old.Kind == KindInts {
						v = IntsValue(nil)
					}
				}
				attrs[name] = v
			}
			updates[key] = attrs
		}
	}

	for key, attrs := range updates {
		s.replace(key, attrs)
	}
	return nil
}

// replace swaps a tag's whole attribute set.
func (s *Store) replace(key Key, attrs map[string]Value) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name := range s.data[key] {
		s.markDirtyLocked(dirtyKey{key: key, name: name})
	}
	delete(s.data, key)
	if len(attrs) == 0 {
		return
	}
	fresh := make(map[string]Value, len(attrs))
	for name, v := range attrs {
		fresh[name] = v
		s.markDirtyLocked(dirtyKey{key: key, name: name})
	}
	s.data[key] = fresh
}

func nodeValue(n *yaml.Node) (Value, error) {
	if n.Tag == intsTag {
		var list []int64
		if err := n.Decode(&list); err != nil {
			return Value{}, err
		}
		return IntsValue(list), nil
	}
	var raw any
	if err := n.Decode(&raw); err != nil {
		return Value{}, err
	}
	return inferValue(raw)
}

// inferValue maps a decoded YAML scalar, list or map onto a typed Value.
// Untagged empty lists decode as string lists.
func inferValue(raw any) (Value, error) {
	switch x := raw.(type) {
	case bool:
		return BoolValue(x), nil
	case int:
		return IntValue(int64(x)), nil
	case int64:
		return IntValue(x), nil
	case uint64:
		return IntValue(int64(x)), nil
	case string:
		return StringValue(x), nil
	case []any:
		return inferList(x)
	case map[string]any:
		m := make(map[string]string, len(x))
		for k, item := range x {
			str, ok := item.(string)
			if !ok {
				return Value{}, fmt.Errorf("map entry %q: expected string, got %T", k, item)
			}
			m[k] = str
		}
		return MapValue(m), nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", raw)
	}
}

func inferList(items []any) (Value, error) {
	if len(items) == 0 {
		return StringsValue([]string{}), nil
	}
	switch items[0].(type) {
	case string:
		out := make([]string, len(items))
		for i, item := range items {
			str, ok := item.(string)
			if !ok {
				return Value{}, fmt.Errorf("list item %d: expected string, got %T", i, item)
			}
			out[i] = str
		}
		return StringsValue(out), nil
	case int, int64:
		out := make([]int64, len(items))
		for i, item := range items {
			switch n := item.(type) {
			case int:
				out[i] = int64(n)
			case int64:
				out[i] = n
			default:
				return Value{}, fmt.Errorf("list item %d: expected integer, got %T", i, item)
			}
		}
		return IntsValue(out), nil
	default:
		return Value{}, fmt.Errorf("unsupported list item type %T", items[0])
	}
}
