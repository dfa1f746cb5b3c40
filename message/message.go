// Package message defines the envelope exchanged between gateway and service units.
//
// A Message is the "envelope" for every request, reply and relayed signal. It gets
// serialized by the codec layer and wrapped in a protocol frame for transmission.
//
//   - On request:  Action selects the handler, Serial is assigned by the caller.
//   - On reply:    a new Message that reuses the request's Serial verbatim, with the
//     status carried in Params as {code, data}.
package message

// Reserved parameter keys. Handlers must not repurpose these names.
const (
	KeyCorrelation = "correlation" // propagated caller context, see package propagate
	KeyDomain      = "domain"      // multi-tenant scope
	KeyCode        = "code"        // reply status code, 0 = success
	KeyData        = "data"        // reply payload
)

// Status codes carried by replies under KeyCode. The substrate only produces the
// non-zero ones below; handlers are free to define their own above CodeUser.
const (
	CodeOK            = 0
	CodeFailure       = 1
	CodeMalformed     = 2
	CodeBusy          = 3
	CodeUnavailable   = 4
	CodeNotReady      = 5
	CodeUnknownAction = 6
	CodeInterrupted   = 7

	CodeUser = 100
)

// Message carries the data for a single request, reply or signal.
//
// A Message must not be modified once it has been handed to a connection; use
// WithParam / WithoutParam to derive a changed copy.
type Message struct {
	Action string  // Handler selector, unique within a service unit
	Serial uint64  // Per-call identifier, 0 means "not assigned yet"
	Params *Params // Ordered typed parameters, never nil on decoded messages
}

// New creates a message with an empty parameter map.
func New(action string) *Message {
	return &Message{Action: action, Params: NewParams()}
}

// NewReply builds the reply to req: same action and serial, params {code, data}.
// data may be nil, in which case no data key is written.
func NewReply(req *Message, code int, data any) *Message {
	reply := &Message{Action: req.Action, Serial: req.Serial, Params: NewParams()}
	reply.Params.Set(KeyCode, code)
	if data != nil {
		reply.Params.Set(KeyData, data)
	}
	return reply
}

// Code returns the reply status code, or CodeOK if none is present.
func (m *Message) Code() int {
	if m == nil || m.Params == nil {
		return CodeOK
	}
	code, ok := m.Params.GetInt(KeyCode)
	if !ok {
		return CodeOK
	}
	return int(code)
}

// Data returns the reply payload.
func (m *Message) Data() any {
	if m == nil || m.Params == nil {
		return nil
	}
	v, _ := m.Params.Get(KeyData)
	return v
}

// Domain returns the tenant scope, empty if unset.
func (m *Message) Domain() string {
	if m == nil || m.Params == nil {
		return ""
	}
	d, _ := m.Params.GetString(KeyDomain)
	return d
}

// WithDomain returns a copy of m scoped to domain.
func (m *Message) WithDomain(domain string) *Message {
	return m.WithParam(KeyDomain, domain)
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := &Message{Action: m.Action, Serial: m.Serial}
	if m.Params != nil {
		c.Params = m.Params.Clone()
	} else {
		c.Params = NewParams()
	}
	return c
}

// WithParam returns a copy of m with key set to v.
func (m *Message) WithParam(key string, v any) *Message {
	c := m.Clone()
	c.Params.Set(key, v)
	return c
}

// WithoutParam returns a copy of m without key. If key is absent m itself is returned.
func (m *Message) WithoutParam(key string) *Message {
	if m.Params == nil || !m.Params.Has(key) {
		return m
	}
	c := m.Clone()
	c.Params.Delete(key)
	return c
}

// WithSerial returns a shallow copy of m that carries serial instead of m.Serial.
// Params are shared, which is fine because neither copy may be mutated once sent.
func (m *Message) WithSerial(serial uint64) *Message {
	c := *m
	c.Serial = serial
	return &c
}

// Equal reports whether a and b have the same action, serial and params
// (including key order).
func Equal(a, b *Message) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Action != b.Action || a.Serial != b.Serial {
		return false
	}
	return a.Params.Equal(b.Params)
}
