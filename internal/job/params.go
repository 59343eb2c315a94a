package job

// Params is a set of named calculation settings (INCAR-style tags).
// Values are numbers, strings or booleans as decoded from JSON/YAML.
type Params map[string]any

// Clone returns a shallow copy. Values are scalars, so a shallow copy
// is enough to keep attempts independent.
func (p Params) Clone() Params {
	if p == nil {
		return Params{}
	}
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge returns base with over applied on top. Neither input is
// modified. Corrections are always expressed as deltas merged this way,
// never as full replacements, so unrelated settings survive retries.
func Merge(base, over Params) Params {
	out := base.Clone()
	for k, v := range over {
		out[k] = v
	}
	return out
}

// Float reads a numeric parameter, accepting the int/float variants
// that JSON and YAML decoding produce.
func (p Params) Float(key string) (float64, bool) {
	switch v := p[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
