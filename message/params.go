package message

import (
	"fmt"
	"math"
)

// Params is an insertion-ordered map from string keys to typed values.
//
// Allowed value types are the leaves string, int64, float64, bool and the
// containers *Params and []any (whose elements are again allowed values).
// Set normalizes the other Go integer kinds to int64 and float32 to float64.
//
// A nil *Params behaves as an empty, read-only map.
type Params struct {
	keys []string
	vals map[string]any
}

// NewParams returns an empty map.
func NewParams() *Params {
	return &Params{vals: make(map[string]any)}
}

// Set stores v under key. An existing key keeps its position.
func (p *Params) Set(key string, v any) *Params {
	if _, ok := p.vals[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.vals[key] = Normalize(v)
	return p
}

// Get returns the value stored under key.
func (p *Params) Get(key string) (any, bool) {
	if p == nil {
		return nil, false
	}
	v, ok := p.vals[key]
	return v, ok
}

// Has reports whether key is present.
func (p *Params) Has(key string) bool {
	_, ok := p.Get(key)
	return ok
}

// Delete removes key. Deleting a missing key is a no-op.
func (p *Params) Delete(key string) {
	if p == nil {
		return
	}
	if _, ok := p.vals[key]; !ok {
		return
	}
	delete(p.vals, key)
	for i, k := range p.keys {
		if k == key {
			p.keys = append(p.keys[:i], p.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order. The slice must not be modified.
func (p *Params) Keys() []string {
	if p == nil {
		return nil
	}
	return p.keys
}

// Len returns the number of keys.
func (p *Params) Len() int {
	if p == nil {
		return 0
	}
	return len(p.keys)
}

// GetString returns the string under key.
func (p *Params) GetString(key string) (string, bool) {
	v, ok := p.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetInt returns the integer under key. A float holding an integral value is accepted.
func (p *Params) GetInt(key string) (int64, bool) {
	v, ok := p.Get(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		if n == math.Trunc(n) && n >= math.MinInt64 && n <= math.MaxInt64 {
			return int64(n), true
		}
	}
	return 0, false
}

// GetFloat returns the number under key as float64.
func (p *Params) GetFloat(key string) (float64, bool) {
	v, ok := p.Get(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// GetBool returns the bool under key.
func (p *Params) GetBool(key string) (bool, bool) {
	v, ok := p.Get(key)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// GetParams returns the nested map under key.
func (p *Params) GetParams(key string) (*Params, bool) {
	v, ok := p.Get(key)
	if !ok {
		return nil, false
	}
	m, ok := v.(*Params)
	return m, ok
}

// GetList returns the list under key.
func (p *Params) GetList(key string) ([]any, bool) {
	v, ok := p.Get(key)
	if !ok {
		return nil, false
	}
	l, ok := v.([]any)
	return l, ok
}

// Clone returns a deep copy.
func (p *Params) Clone() *Params {
	c := NewParams()
	if p == nil {
		return c
	}
	c.keys = make([]string, len(p.keys))
	copy(c.keys, p.keys)
	for k, v := range p.vals {
		c.vals[k] = cloneValue(v)
	}
	return c
}

// Equal reports deep equality, including key order at every level.
// A nil map equals an empty one.
func (p *Params) Equal(o *Params) bool {
	if p.Len() != o.Len() {
		return false
	}
	for i, k := range p.Keys() {
		if o.keys[i] != k {
			return false
		}
		if !valueEqual(p.vals[k], o.vals[k]) {
			return false
		}
	}
	return true
}

// String renders the map for logs.
func (p *Params) String() string {
	s := "{"
	for i, k := range p.Keys() {
		if i > 0 {
			s += " "
		}
		s += fmt.Sprintf("%s:%v", k, p.vals[k])
	}
	return s + "}"
}

// Normalize converts v to its canonical Params representation. Values of
// unsupported types are returned unchanged and rejected later by the codec.
func Normalize(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint:
		if uint64(n) <= math.MaxInt64 {
			return int64(n)
		}
		return float64(n)
	case uint64:
		if n <= math.MaxInt64 {
			return int64(n)
		}
		return float64(n)
	case float32:
		return float64(n)
	case map[string]any:
		m := NewParams()
		for k, e := range n {
			m.Set(k, e)
		}
		return m
	case []any:
		l := make([]any, len(n))
		for i, e := range n {
			l[i] = Normalize(e)
		}
		return l
	case []string:
		l := make([]any, len(n))
		for i, e := range n {
			l[i] = e
		}
		return l
	case []int64:
		l := make([]any, len(n))
		for i, e := range n {
			l[i] = e
		}
		return l
	}
	return v
}

func cloneValue(v any) any {
	switch n := v.(type) {
	case *Params:
		return n.Clone()
	case []any:
		l := make([]any, len(n))
		for i, e := range n {
			l[i] = cloneValue(e)
		}
		return l
	}
	return v
}

func valueEqual(a, b any) bool {
	switch x := a.(type) {
	case *Params:
		y, ok := b.(*Params)
		return ok && x.Equal(y)
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !valueEqual(x[i], y[i]) {
				return false
			}
		}
		return true
	case float64:
		y, ok := b.(float64)
		if !ok {
			return false
		}
		// NaN never reaches the wire, but keep Equal reflexive for in-memory values.
		return x == y || (x != x && y != y)
	}
	return a == b
}
