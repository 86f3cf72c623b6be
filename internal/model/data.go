package model

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Document is a single JSON-like record from the store. Identity is the _id field.
type Document map[string]interface{}

// ID returns the document _id, or "" when missing.
func (d Document) ID() string {
	id, _ := d["_id"].(string)
	return id
}

// Type returns the document _type, or "" when missing.
func (d Document) Type() string {
	t, _ := d["_type"].(string)
	return t
}

// Rev returns the document revision as reported by the store.
func (d Document) Rev() string {
	rev, _ := d["_rev"].(string)
	return rev
}

// Validate checks the fields every document must carry.
func (d Document) Validate() error {
	if d.ID() == "" {
		return errors.New("document is missing _id")
	}
	if d.Type() == "" {
		return errors.Errorf("document %s is missing _type", d.ID())
	}
	return nil
}

// ------------------- Node kinds -------------------

// NodeKind is the runtime kind of a JSON value inside a document tree.
type NodeKind uint8

const (
	KindObject NodeKind = iota
	KindArray
	KindString
	KindNumber
	KindBoolean
	KindNull
)

var kindNames = [...]string{"object", "array", "string", "number", "boolean", "null"}

func (k NodeKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// KindOf classifies v. The second result is false for values that are not
// JSON-shaped (channels, structs and the like).
func KindOf(v interface{}) (NodeKind, bool) {
	switch v.(type) {
	case nil:
		return KindNull, true
	case map[string]interface{}, Document:
		return KindObject, true
	case []interface{}:
		return KindArray, true
	case string:
		return KindString, true
	case float64, float32, int, int64, int32, json.Number:
		return KindNumber, true
	case bool:
		return KindBoolean, true
	default:
		return 0, false
	}
}

// asObject returns v as a plain map when it is an object node.
func asObject(v interface{}) (map[string]interface{}, bool) {
	switch o := v.(type) {
	case map[string]interface{}:
		return o, true
	case Document:
		return map[string]interface{}(o), true
	}
	return nil, false
}

// ------------------- Paths -------------------

// SegmentKind tells which field of a PathSegment is meaningful.
type SegmentKind uint8

const (
	FieldSegment SegmentKind = iota
	KeySegment
	IndexSegment
)

// PathSegment is one step into a document tree: an object field, an array
// item addressed by its _key, or an array index.
type PathSegment struct {
	Kind  SegmentKind
	Field string
	Key   string
	Index int
}

// Field returns a segment addressing an object field.
func Field(name string) PathSegment { return PathSegment{Kind: FieldSegment, Field: name} }

// KeyRef returns a segment addressing the array item whose _key is key.
func KeyRef(key string) PathSegment { return PathSegment{Kind: KeySegment, Key: key} }

// Index returns a segment addressing an array item by position. Negative
// values count from the end, -1 being the last item.
func Index(i int) PathSegment { return PathSegment{Kind: IndexSegment, Index: i} }

func (s PathSegment) String() string {
	switch s.Kind {
	case KeySegment:
		return `[_key==` + strconv.Quote(s.Key) + `]`
	case IndexSegment:
		return "[" + strconv.Itoa(s.Index) + "]"
	default:
		return s.Field
	}
}

func (s PathSegment) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *PathSegment) UnmarshalText(text []byte) error {
	p, err := ParsePath(string(text))
	if err != nil {
		return err
	}
	if len(p) != 1 {
		return errors.Errorf("%q is not a single path segment", text)
	}
	*s = p[0]
	return nil
}

// Path locates a node inside a document.
type Path []PathSegment

// Append returns a new path with segs added. p is never modified, so sibling
// paths built from the same parent do not share backing storage.
func (p Path) Append(segs ...PathSegment) Path {
	out := make(Path, 0, len(p)+len(segs))
	out = append(out, p...)
	return append(out, segs...)
}

// Concat joins p and rel.
func (p Path) Concat(rel Path) Path { return p.Append(rel...) }

// Equal reports whether both paths address the same node.
func (p Path) Equal(o Path) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if p[i] != o[i] {
			return false
		}
	}
	return true
}

// HasPrefix reports whether prefix addresses p or one of its ancestors.
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix) > len(p) {
		return false
	}
	return Path(p[:len(prefix)]).Equal(prefix)
}

// String renders the path in the store's patch syntax, e.g. body[_key=="a1"].text
func (p Path) String() string {
	var b strings.Builder
	for i, s := range p {
		if s.Kind == FieldSegment && i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(s.String())
	}
	return b.String()
}

// MarshalText renders p in its string form, so paths read naturally in JSON.
func (p Path) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText parses the string form produced by MarshalText.
func (p *Path) UnmarshalText(text []byte) error {
	parsed, err := ParsePath(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Resolve looks up the node at p inside root.
func (p Path) Resolve(root interface{}) (interface{}, bool) {
	cur := root
	for _, seg := range p {
		switch seg.Kind {
		case FieldSegment:
			obj, ok := asObject(cur)
			if !ok {
				return nil, false
			}
			if cur, ok = obj[seg.Field]; !ok {
				return nil, false
			}
		case KeySegment:
			arr, ok := cur.([]interface{})
			if !ok {
				return nil, false
			}
			i := findKey(arr, seg.Key)
			if i < 0 {
				return nil, false
			}
			cur = arr[i]
		case IndexSegment:
			arr, ok := cur.([]interface{})
			if !ok {
				return nil, false
			}
			i := seg.Index
			if i < 0 {
				i += len(arr)
			}
			if i < 0 || i >= len(arr) {
				return nil, false
			}
			cur = arr[i]
		}
	}
	return cur, true
}

func findKey(arr []interface{}, key string) int {
	for i, item := range arr {
		if obj, ok := asObject(item); ok {
			if k, _ := obj["_key"].(string); k == key {
				return i
			}
		}
	}
	return -1
}

// ParsePath parses the syntax produced by Path.String.
func ParsePath(s string) (Path, error) {
	var p Path
	i := 0
	for i < len(s) {
		switch s[i] {
		case '.':
			if i == 0 || i == len(s)-1 {
				return nil, errors.Errorf("invalid path %q: misplaced '.'", s)
			}
			i++
		case '[':
			end := strings.IndexByte(s[i:], ']')
			if end < 0 {
				return nil, errors.Errorf("invalid path %q: unterminated '['", s)
			}
			inner := s[i+1 : i+end]
			seg, err := parseBracket(inner)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid path %q", s)
			}
			p = append(p, seg)
			i += end + 1
		default:
			j := i
			for j < len(s) && s[j] != '.' && s[j] != '[' {
				j++
			}
			p = append(p, Field(s[i:j]))
			i = j
		}
	}
	if len(p) == 0 {
		return nil, errors.New("empty path")
	}
	return p, nil
}

func parseBracket(inner string) (PathSegment, error) {
	if rest, ok := strings.CutPrefix(inner, "_key=="); ok {
		key, err := strconv.Unquote(rest)
		if err != nil {
			return PathSegment{}, errors.Wrap(err, "bad key reference")
		}
		return KeyRef(key), nil
	}
	n, err := strconv.Atoi(inner)
	if err != nil {
		return PathSegment{}, errors.Errorf("bad array index %q", inner)
	}
	return Index(n), nil
}
