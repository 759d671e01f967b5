package definition

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Path addresses a value inside a JSON payload: "$" is the whole
// document, "$.a.b" a nested field and "$.items[2]" an array element.
// "input.a" is accepted as an alias of "$.a".
type Path []pathSegment

type pathSegment struct {
	field string
	index int
	isIdx bool
}

// ParsePath compiles a path expression.
func ParsePath(expr string) (Path, error) {
	switch {
	case expr == "$" || expr == "input":
		return Path{}, nil
	case strings.HasPrefix(expr, "$."), strings.HasPrefix(expr, "$["):
		expr = expr[1:]
	case strings.HasPrefix(expr, "input."):
		expr = expr[len("input"):]
	default:
		return nil, fmt.Errorf("path %q must start with $ or input", expr)
	}

	var p Path
	for len(expr) > 0 {
		switch expr[0] {
		case '.':
			expr = expr[1:]
			end := strings.IndexAny(expr, ".[")
			if end < 0 {
				end = len(expr)
			}
			field := expr[:end]
			if field == "" {
				return nil, fmt.Errorf("path has an empty field name")
			}
			p = append(p, pathSegment{field: field})
			expr = expr[end:]
		case '[':
			end := strings.IndexByte(expr, ']')
			if end < 0 {
				return nil, fmt.Errorf("path has an unterminated index")
			}
			n, err := strconv.Atoi(expr[1:end])
			if err != nil || n < 0 {
				return nil, fmt.Errorf("path index %q is not a non-negative integer", expr[1:end])
			}
			p = append(p, pathSegment{index: n, isIdx: true})
			expr = expr[end+1:]
		default:
			return nil, fmt.Errorf("unexpected %q in path", expr[0])
		}
	}
	return p, nil
}

// Lookup returns the value at p inside doc.
func (p Path) Lookup(doc any) (any, bool) {
	cur := doc
	for _, seg := range p {
		if seg.isIdx {
			arr, ok := cur.([]any)
			if !ok || seg.index >= len(arr) {
				return nil, false
			}
			cur = arr[seg.index]
			continue
		}
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[seg.field]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set stores value at p inside doc and returns the new document. Missing
// objects along the way are created; array elements must already exist.
func (p Path) Set(doc, value any) (any, error) {
	if len(p) == 0 {
		return value, nil
	}
	seg := p[0]
	if seg.isIdx {
		arr, ok := doc.([]any)
		if !ok || seg.index >= len(arr) {
			return nil, fmt.Errorf("index %d out of range", seg.index)
		}
		v, err := p[1:].Set(arr[seg.index], value)
		if err != nil {
			return nil, err
		}
		arr[seg.index] = v
		return arr, nil
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		if doc != nil {
			return nil, fmt.Errorf("field %q set on a non-object", seg.field)
		}
		obj = make(map[string]any)
	}
	v, err := p[1:].Set(obj[seg.field], value)
	if err != nil {
		return nil, err
	}
	obj[seg.field] = v
	return obj, nil
}

// DecodeJSON decodes a payload keeping numbers as json.Number. An empty
// payload decodes to nil.
func DecodeJSON(raw json.RawMessage) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// EncodeJSON encodes a value produced by DecodeJSON. json.Number values
// are written back verbatim.
func EncodeJSON(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}

// ApplyResultPath places result inside input at the given path. An empty
// path or "$" replaces the input with the result.
func ApplyResultPath(input, result json.RawMessage, path string) (json.RawMessage, error) {
	if path == "" || path == "$" {
		if len(result) == 0 {
			return json.RawMessage("null"), nil
		}
		return result, nil
	}
	p, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	doc, err := DecodeJSON(input)
	if err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}
	val, err := DecodeJSON(result)
	if err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	out, err := p.Set(doc, val)
	if err != nil {
		return nil, fmt.Errorf("resultPath %s: %w", path, err)
	}
	return EncodeJSON(out)
}
