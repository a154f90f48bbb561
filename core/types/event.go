package types

import "sort"

// Event is the wire form of a settlement event: a type plus flat string
// attributes.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Keys returns the attribute names in sorted order.
func (e *Event) Keys() []string {
	if e == nil {
		return nil
	}
	keys := make([]string, 0, len(e.Attributes))
	for k := range e.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (e *Event) Attr(key string) string {
	if e == nil {
		return ""
	}
	return e.Attributes[key]
}
