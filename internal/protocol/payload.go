package protocol

// Payload is the open, JSON-shaped value passed between stages. Agents read
// from it with the tolerant accessors below; a missing or mistyped field
// yields the zero value rather than an error, so a sloppy upstream result
// never faults a downstream stage.
type Payload map[string]interface{}

// Clone returns a shallow copy. Stage results are treated as immutable once
// written, so a shallow copy is enough to decouple map headers.
func (p Payload) Clone() Payload {
	if p == nil {
		return Payload{}
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// GetString returns the string at key, or def when absent or not a string.
func (p Payload) GetString(key, def string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return def
}

// GetBool returns the bool at key, or def when absent or not a bool.
func (p Payload) GetBool(key string, def bool) bool {
	if v, ok := p[key].(bool); ok {
		return v
	}
	return def
}

// GetFloat returns the numeric value at key, or def. JSON decoding produces
// float64, but int is accepted for payloads built in-process.
func (p Payload) GetFloat(key string, def float64) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

// GetMap returns the nested payload at key, or an empty one.
func (p Payload) GetMap(key string) Payload {
	switch v := p[key].(type) {
	case Payload:
		return v
	case map[string]interface{}:
		return Payload(v)
	}
	return Payload{}
}

// GetStringSlice returns the string list at key, tolerating []interface{}
// from JSON decoding and dropping non-string elements.
func (p Payload) GetStringSlice(key string) []string {
	switch v := p[key].(type) {
	case []string:
		return v
	case []interface{}:
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

// Merge returns a new payload with entries from other overlaid on p.
func (p Payload) Merge(other Payload) Payload {
	out := p.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}
