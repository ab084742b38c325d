// Package record loads, edits and writes JSON dictionaries of records.
//
// A collection is a top-level JSON object whose values are themselves
// objects. Identifier and field order of the input document survive a
// load/write round-trip. Field values are kept as raw JSON and only
// re-tokenized when written, so numbers keep their original text.
package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/Fuabioo/recmerge/internal/atomicfile"
)

// ErrMalformed is wrapped by every error caused by document content
// rather than by I/O.
var ErrMalformed = errors.New("malformed record collection")

// Record maps field names to raw JSON values in document order.
type Record = orderedmap.OrderedMap[string, json.RawMessage]

// NewRecord returns an empty record.
func NewRecord() *Record {
	return orderedmap.New[string, json.RawMessage]()
}

// Collection maps identifiers to records in document order.
type Collection struct {
	m *orderedmap.OrderedMap[string, *Record]
}

// New returns an empty collection.
func New() *Collection {
	return &Collection{m: orderedmap.New[string, *Record]()}
}

// Parse decodes a JSON object of objects.
// Errors wrap ErrMalformed; invalid JSON also wraps the *json.SyntaxError.
func Parse(data []byte) (*Collection, error) {
	if !json.Valid(data) {
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformed)
	}

	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: top-level value is not an object", ErrMalformed)
	}
	if err := checkRecords(data); err != nil {
		return nil, err
	}

	m := orderedmap.New[string, *Record]()
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return &Collection{m: m}, nil
}

// checkRecords reports the first top-level value of data that is not an
// object. data must already be a valid JSON object.
func checkRecords(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		id, _ := tok.(string)
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("%w: record %q: %w", ErrMalformed, id, err)
		}
		raw = bytes.TrimLeft(raw, " \t\r\n")
		if len(raw) == 0 || raw[0] != '{' {
			return fmt.Errorf("%w: record %q is not an object", ErrMalformed, id)
		}
	}
	return nil
}

// Load reads and parses the collection stored at path.
// A missing file yields an error matching fs.ErrNotExist.
func Load(path string) (*Collection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("record: read %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("record: parse %s: %w", path, err)
	}
	return c, nil
}

// Len returns the number of records.
func (c *Collection) Len() int {
	return c.m.Len()
}

// IDs returns the identifiers in document order.
func (c *Collection) IDs() []string {
	ids := make([]string, 0, c.m.Len())
	for pair := c.m.Oldest(); pair != nil; pair = pair.Next() {
		ids = append(ids, pair.Key)
	}
	return ids
}

// Get returns the record stored under id.
func (c *Collection) Get(id string) (*Record, bool) {
	return c.m.Get(id)
}

// Set stores rec under id. A new id is appended; an existing one keeps
// its position.
func (c *Collection) Set(id string, rec *Record) {
	if rec == nil {
		rec = NewRecord()
	}
	c.m.Set(id, rec)
}

// MarshalIndent encodes the collection with two-space indentation and a
// trailing newline. Non-ASCII and HTML characters are written literally.
func (c *Collection) MarshalIndent() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for pair := c.m.Oldest(); pair != nil; pair = pair.Next() {
		if pair != c.m.Oldest() {
			buf.WriteByte(',')
		}
		if err := writeKey(&buf, pair.Key); err != nil {
			return nil, err
		}
		if err := writeRecord(&buf, pair.Value); err != nil {
			return nil, fmt.Errorf("record: encode %q: %w", pair.Key, err)
		}
	}
	buf.WriteByte('}')

	var out bytes.Buffer
	if err := json.Indent(&out, buf.Bytes(), "", "  "); err != nil {
		return nil, fmt.Errorf("record: indent: %w", err)
	}
	out.WriteByte('\n')
	return out.Bytes(), nil
}

func writeRecord(buf *bytes.Buffer, rec *Record) error {
	buf.WriteByte('{')
	if rec != nil {
		for pair := rec.Oldest(); pair != nil; pair = pair.Next() {
			if pair != rec.Oldest() {
				buf.WriteByte(',')
			}
			if err := writeKey(buf, pair.Key); err != nil {
				return err
			}
			if len(pair.Value) == 0 {
				buf.WriteString("null")
				continue
			}
			if err := writeValue(buf, pair.Value); err != nil {
				return fmt.Errorf("field %q: %w", pair.Key, err)
			}
		}
	}
	buf.WriteByte('}')
	return nil
}

// container tracks separators while a nested value is re-emitted.
type container struct {
	object bool
	n      int // tokens written so far; keys and values both count in objects
}

// writeValue re-emits a raw JSON value in compact form. Strings are decoded
// and encoded again so escapes such as \u0411 come out as the literal
// character; numbers keep their original text.
func writeValue(buf *bytes.Buffer, raw json.RawMessage) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var stack []container
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		closing := tok == json.Delim('}') || tok == json.Delim(']')
		if len(stack) > 0 && !closing {
			top := &stack[len(stack)-1]
			switch {
			case top.object && top.n%2 == 1:
				buf.WriteByte(':')
			case top.n > 0:
				buf.WriteByte(',')
			}
			top.n++
		}

		switch v := tok.(type) {
		case json.Delim:
			buf.WriteByte(byte(v))
			switch v {
			case '{':
				stack = append(stack, container{object: true})
			case '[':
				stack = append(stack, container{})
			default:
				stack = stack[:len(stack)-1]
			}
		case string:
			if err := writeString(buf, v); err != nil {
				return err
			}
		case json.Number:
			buf.WriteString(v.String())
		case bool:
			buf.WriteString(strconv.FormatBool(v))
		case nil:
			buf.WriteString("null")
		}
	}
}

// writeKey appends key as a JSON string followed by a colon.
func writeKey(buf *bytes.Buffer, key string) error {
	if err := writeString(buf, key); err != nil {
		return fmt.Errorf("record: encode key %q: %w", key, err)
	}
	buf.WriteByte(':')
	return nil
}

// writeString appends s as a JSON string without HTML or non-ASCII escaping.
func writeString(buf *bytes.Buffer, s string) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	// Encode terminates every value with a newline.
	buf.Truncate(buf.Len() - 1)
	return nil
}

// WriteFile writes c to path atomically. A symlink at path is followed, the
// mode of an existing file is kept, and new files get 0644.
func WriteFile(path string, c *Collection) error {
	data, err := c.MarshalIndent()
	if err != nil {
		return err
	}
	err = atomicfile.Write(path, 0o644, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
	if err != nil {
		return fmt.Errorf("record: write %s: %w", path, err)
	}
	return nil
}
