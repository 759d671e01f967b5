package definition

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// StateMap is an ordered map of state name to State. Declaration order is
// kept so validation output and serialized documents are deterministic.
type StateMap struct {
	names  []string
	states map[string]*State
}

// Add appends a state. Adding a name twice is an error.
func (m *StateMap) Add(name string, s *State) error {
	if m.states == nil {
		m.states = make(map[string]*State)
	}
	if _, dup := m.states[name]; dup {
		return fmt.Errorf("duplicate state name %q", name)
	}
	m.names = append(m.names, name)
	m.states[name] = s
	return nil
}

// Get returns the named state.
func (m StateMap) Get(name string) (*State, bool) {
	s, ok := m.states[name]
	return s, ok
}

// Names returns state names in declaration order.
func (m StateMap) Names() []string { return m.names }

// Len returns the number of states.
func (m StateMap) Len() int { return len(m.names) }

// MarshalJSON writes states as an object in declaration order.
func (m StateMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range m.names {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(m.states[name])
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an object of states, rejecting duplicate names that
// encoding/json would otherwise silently collapse.
func (m *StateMap) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("states must be an object")
	}

	*m = StateMap{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, _ := tok.(string)
		var s State
		if err := dec.Decode(&s); err != nil {
			return fmt.Errorf("state %q: %w", name, err)
		}
		if err := m.Add(name, &s); err != nil {
			return err
		}
	}
	_, err = dec.Token()
	return err
}

// MarshalYAML writes states as a mapping in declaration order.
func (m StateMap) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, name := range m.names {
		var v yaml.Node
		if err := v.Encode(m.states[name]); err != nil {
			return nil, err
		}
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: name},
			&v,
		)
	}
	return node, nil
}

// UnmarshalYAML reads a mapping of states.
func (m *StateMap) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: states must be a mapping", node.Line)
	}
	*m = StateMap{}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		var s State
		if err := val.Decode(&s); err != nil {
			return fmt.Errorf("state %q: %w", key.Value, err)
		}
		if err := m.Add(key.Value, &s); err != nil {
			return fmt.Errorf("line %d: %w", key.Line, err)
		}
	}
	return nil
}
