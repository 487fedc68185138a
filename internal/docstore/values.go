package docstore

import "time"

// Accessors below tolerate the value shapes produced by every backend: slices may
// come back as []any or typed slices, nested documents as Document or
// map[string]any.

func (d Document) String(key string) string {
	s, _ := d[key].(string)
	return s
}

func (d Document) Bool(key string) bool {
	b, _ := d[key].(bool)
	return b
}

func (d Document) Time(key string) time.Time {
	switch v := d[key].(type) {
	case time.Time:
		return v
	case *time.Time:
		if v != nil {
			return *v
		}
	}
	return time.Time{}
}

func (d Document) Strings(key string) []string {
	switch v := d[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Doc returns a nested document, or nil.
func (d Document) Doc(key string) Document {
	return AsDocument(d[key])
}

// Docs returns a list of nested documents.
func (d Document) Docs(key string) []Document {
	switch v := d[key].(type) {
	case []Document:
		return v
	case []map[string]any:
		out := make([]Document, len(v))
		for i, m := range v {
			out[i] = m
		}
		return out
	case []any:
		out := make([]Document, 0, len(v))
		for _, e := range v {
			if sub := AsDocument(e); sub != nil {
				out = append(out, sub)
			}
		}
		return out
	}
	return nil
}

// AsDocument converts a nested map value to a Document.
func AsDocument(v any) Document {
	switch m := v.(type) {
	case Document:
		return m
	case map[string]any:
		return m
	}
	return nil
}

// ToSlice returns an array field as []any.
func ToSlice(v any) []any {
	switch s := v.(type) {
	case []any:
		return s
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out
	case []Document:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out
	case []map[string]any:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out
	}
	return nil
}
