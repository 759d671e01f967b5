package definition

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Parse decodes a definition document. A document whose first non-space
// byte is '{' is read as JSON, anything else as YAML. Parse does not
// validate; call Validate before using the result.
func Parse(data []byte) (*Definition, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("definition: empty document")
	}

	var def Definition
	if trimmed[0] == '{' {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		if err := dec.Decode(&def); err != nil {
			return nil, fmt.Errorf("definition: parse json: %w", err)
		}
		return &def, nil
	}

	if err := yaml.Unmarshal(trimmed, &def); err != nil {
		return nil, fmt.Errorf("definition: parse yaml: %w", err)
	}
	return &def, nil
}

// ParseFile reads and parses a definition file.
func ParseFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("definition: read %s: %w", path, err)
	}
	return Parse(data)
}

// MarshalYAML writes the raw value as YAML.
func (r RawJSON) MarshalYAML() (any, error) {
	if len(r) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(r, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// UnmarshalYAML converts a YAML value to JSON without narrowing numbers.
func (r *RawJSON) UnmarshalYAML(node *yaml.Node) error {
	raw, err := nodeToJSON(node)
	if err != nil {
		return err
	}
	*r = RawJSON(raw)
	return nil
}

// YAMLToJSON converts a YAML document to JSON, keeping numeric literals
// exactly as written.
func YAMLToJSON(data []byte) (json.RawMessage, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	if node.Kind == 0 {
		return json.RawMessage("null"), nil
	}
	return nodeToJSON(&node)
}

func nodeToJSON(node *yaml.Node) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := writeNodeJSON(&buf, node); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeNodeJSON(buf *bytes.Buffer, node *yaml.Node) error {
	switch node.Kind {
	case yaml.DocumentNode:
		if len(node.Content) == 0 {
			buf.WriteString("null")
			return nil
		}
		return writeNodeJSON(buf, node.Content[0])
	case yaml.AliasNode:
		return writeNodeJSON(buf, node.Alias)
	case yaml.SequenceNode:
		buf.WriteByte('[')
		for i, c := range node.Content {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeNodeJSON(buf, c); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case yaml.MappingNode:
		buf.WriteByte('{')
		for i := 0; i+1 < len(node.Content); i += 2 {
			if i > 0 {
				buf.WriteByte(',')
			}
			k, _ := json.Marshal(node.Content[i].Value)
			buf.Write(k)
			buf.WriteByte(':')
			if err := writeNodeJSON(buf, node.Content[i+1]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case yaml.ScalarNode:
		return writeScalarJSON(buf, node)
	default:
		return fmt.Errorf("line %d: unsupported yaml node", node.Line)
	}
	return nil
}

func writeScalarJSON(buf *bytes.Buffer, node *yaml.Node) error {
	switch node.ShortTag() {
	case "!!null":
		buf.WriteString("null")
	case "!!bool":
		b, err := strconv.ParseBool(node.Value)
		if err != nil {
			var v bool
			if derr := node.Decode(&v); derr != nil {
				return derr
			}
			b = v
		}
		buf.WriteString(strconv.FormatBool(b))
	case "!!int", "!!float":
		if json.Valid([]byte(node.Value)) {
			buf.WriteString(node.Value)
			return nil
		}
		// Forms such as 0x1F or 1_000 are normalized through decoding.
		var v any
		if err := node.Decode(&v); err != nil {
			return err
		}
		out, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		buf.Write(out)
	default:
		out, _ := json.Marshal(node.Value)
		buf.Write(out)
	}
	return nil
}
