// Package propagate carries the originating caller's context across hops.
//
// The context rides inside the message as a nested map under the reserved key
// "correlation". Gateways and service units that merely pass a message along never
// interpret it; only the edge (which attaches it) and the relay (which routes a push by
// it) look inside.
package propagate

import (
	"mini-relay/message"
)

const (
	keyPrincipal = "principalId"
	keyDomain    = "domain"
	keyDevice    = "deviceId"
)

// Context identifies the principal on whose behalf a message travels.
type Context struct {
	PrincipalID int64
	Domain      string
	DeviceID    string
}

func (c *Context) params() *message.Params {
	p := message.NewParams().Set(keyPrincipal, c.PrincipalID)
	if c.Domain != "" {
		p.Set(keyDomain, c.Domain)
	}
	if c.DeviceID != "" {
		p.Set(keyDevice, c.DeviceID)
	}
	return p
}

// Attach returns a copy of msg carrying ctx. A nil ctx returns msg unchanged.
func Attach(msg *message.Message, ctx *Context) *message.Message {
	if ctx == nil {
		return msg
	}
	return msg.WithParam(message.KeyCorrelation, ctx.params())
}

// Extract returns the context carried by msg, or nil if it has none or it is unusable.
func Extract(msg *message.Message) *Context {
	if msg == nil {
		return nil
	}
	p, ok := msg.Params.GetParams(message.KeyCorrelation)
	if !ok {
		return nil
	}
	id, ok := p.GetInt(keyPrincipal)
	if !ok {
		return nil
	}
	ctx := &Context{PrincipalID: id}
	ctx.Domain, _ = p.GetString(keyDomain)
	ctx.DeviceID, _ = p.GetString(keyDevice)
	return ctx
}

// Copy returns dst carrying src's context verbatim. If src has none, or dst already
// carries one, dst is returned unchanged.
func Copy(src, dst *message.Message) *message.Message {
	if src == nil || dst == nil || dst.Params.Has(message.KeyCorrelation) {
		return dst
	}
	v, ok := src.Params.Get(message.KeyCorrelation)
	if !ok {
		return dst
	}
	return dst.WithParam(message.KeyCorrelation, v)
}

// Strip returns msg without its context, for delivery to an end client.
func Strip(msg *message.Message) *message.Message {
	return msg.WithoutParam(message.KeyCorrelation)
}
