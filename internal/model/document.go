package model

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Document is an opaque upstream payload. Only the fields the local schema
// needs are extracted; the rest is stored verbatim.
type Document map[string]any

// DecodeDocument parses raw JSON keeping numbers as json.Number so large ids
// are not rounded through float64.
func DecodeDocument(raw []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = Document{}
	}
	return doc, nil
}

// JSON serializes the document. Marshalling a decoded map cannot fail, so an
// error yields an empty object.
func (d Document) JSON() string {
	if d == nil {
		return "{}"
	}
	b, err := json.Marshal(d)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Has reports whether key is present and not null.
func (d Document) Has(key string) bool {
	v, ok := d[key]
	return ok && v != nil
}

// Object returns a nested object, or nil.
func (d Document) Object(key string) Document {
	switch v := d[key].(type) {
	case Document:
		return v
	case map[string]any:
		return Document(v)
	}
	return nil
}

// Objects returns a list of nested objects, skipping non-object elements.
func (d Document) Objects(key string) []Document {
	var out []Document
	switch list := d[key].(type) {
	case []any:
		for _, item := range list {
			switch v := item.(type) {
			case map[string]any:
				out = append(out, Document(v))
			case Document:
				out = append(out, v)
			}
		}
	case []Document:
		out = append(out, list...)
	case []map[string]any:
		for _, v := range list {
			out = append(out, Document(v))
		}
	}
	return out
}

// String returns the value as text. Numbers are formatted, other types yield "".
func (d Document) String(key string) string {
	switch v := d[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

// StringOr returns String(key), or def when the value is missing or empty.
func (d Document) StringOr(key, def string) string {
	if s := d.String(key); s != "" {
		return s
	}
	return def
}

// Int64 returns the value as an integer id; 0 when missing or not numeric.
func (d Document) Int64(key string) int64 {
	return toInt64(d[key])
}

// Decimal returns the value as a decimal; zero when missing or not numeric.
func (d Document) Decimal(key string) decimal.Decimal {
	return toDecimal(d[key])
}

// Time parses a date or timestamp field in any of the formats the ERP uses.
func (d Document) Time(key string) *time.Time {
	s := strings.TrimSpace(d.String(key))
	if s == "" {
		return nil
	}
	t, ok := ParseTime(s)
	if !ok {
		return nil
	}
	return &t
}

// Value returns the raw value stored under key.
func (d Document) Value(key string) any {
	return d[key]
}

// ToInt64 converts a decoded JSON scalar into an integer id.
func ToInt64(v any) int64 {
	return toInt64(v)
}

// ToDecimal converts a decoded JSON scalar into a decimal.
func ToDecimal(v any) decimal.Decimal {
	return toDecimal(v)
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return int64(f)
		}
	case string:
		if i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64); err == nil {
			return i
		}
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}

func toDecimal(v any) decimal.Decimal {
	switch n := v.(type) {
	case json.Number:
		if d, err := decimal.NewFromString(n.String()); err == nil {
			return d
		}
	case string:
		if d, err := decimal.NewFromString(strings.TrimSpace(n)); err == nil {
			return d
		}
	case int:
		return decimal.NewFromInt(int64(n))
	case int64:
		return decimal.NewFromInt(n)
	case float64:
		return decimal.NewFromFloat(n)
	}
	return decimal.Zero
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime tries the known layouts in order. Zone-less values are read as UTC.
func ParseTime(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
