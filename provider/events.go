// Copyright 2017 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package provider

import (
	"encoding/json"
	"sync"

	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/GeorgeSapkin/pubsub-store/subjects"
	"github.com/GeorgeSapkin/pubsub-store/transport"
)

// Event names. Registering for create or update subscribes both
// subjects of that group on the bus; any other name is a local-only
// listener.
const (
	EventCreate      = "create"
	EventUpdate      = "update"
	EventStreamError = "stream-error"
)

var busEvents = set.NewStrings(EventCreate, EventUpdate)

// Listener receives an event. For create/update, query is the decoded
// bus message, nil when decoding failed; for local events query is nil.
type Listener func(err error, query map[string]interface{})

// Registration identifies one listener registration. It owns the bus
// subscription IDs allocated for it, so removal releases exactly what
// registration acquired.
type Registration struct {
	event          string
	sids           []transport.Sid
	unsubscribeHub func()
}

// Event returns the event the registration listens for.
func (r *Registration) Event() string {
	return r.event
}

// On registers fn for event until removed.
func (p *Provider) On(event string, fn Listener) (*Registration, error) {
	return p.register(event, fn, false)
}

// Once registers fn for event; the registration removes itself after
// the first delivery.
func (p *Provider) Once(event string, fn Listener) (*Registration, error) {
	return p.register(event, fn, true)
}

// OnStreamError registers fn for stream errors.
func (p *Provider) OnStreamError(fn func(error)) (*Registration, error) {
	if fn == nil {
		return nil, errors.NotValidf("nil listener")
	}
	return p.On(EventStreamError, func(err error, _ map[string]interface{}) {
		fn(err)
	})
}

func (p *Provider) register(event string, fn Listener, once bool) (*Registration, error) {
	if event == "" {
		return nil, errors.NotValidf("empty event")
	}
	if fn == nil {
		return nil, errors.NotValidf("nil listener")
	}

	reg := &Registration{event: event}
	deliver := fn
	if once {
		var one sync.Once
		deliver = func(err error, query map[string]interface{}) {
			one.Do(func() {
				fn(err, query)
				_ = p.Remove(reg)
			})
		}
	}

	if busEvents.Contains(event) {
		pair := p.eventPair(event)
		handler := func(data []byte, _ string) {
			var query map[string]interface{}
			if err := json.Unmarshal(data, &query); err != nil {
				deliver(errors.Annotatef(err, "cannot decode %s event", event), nil)
				return
			}
			deliver(nil, query)
		}
		for _, subject := range []string{pair.Base, pair.Wildcard} {
			sid, err := p.config.Transport.Subscribe(subject, handler)
			if err != nil {
				for _, sid := range reg.sids {
					_ = p.config.Transport.Unsubscribe(sid)
				}
				return nil, errors.Annotatef(err, "cannot subscribe %q", subject)
			}
			reg.sids = append(reg.sids, sid)
		}
	} else {
		reg.unsubscribeHub = p.hub.Subscribe(event, func(_ string, data interface{}) {
			if err, ok := data.(error); ok {
				deliver(err, nil)
				return
			}
			query, _ := data.(map[string]interface{})
			deliver(nil, query)
		})
	}

	p.mu.Lock()
	p.registry[reg] = struct{}{}
	p.mu.Unlock()
	return reg, nil
}

func (p *Provider) eventPair(event string) subjects.Pair {
	if event == EventUpdate {
		return p.subjects.Update
	}
	return p.subjects.Create
}

// Remove releases a registration: exactly the subscription IDs it owns
// are unsubscribed. Removing an unknown or already removed registration
// is a no-op.
func (p *Provider) Remove(reg *Registration) error {
	if reg == nil {
		return nil
	}
	p.mu.Lock()
	if _, ok := p.registry[reg]; !ok {
		p.mu.Unlock()
		return nil
	}
	delete(p.registry, reg)
	p.mu.Unlock()
	p.release(reg)
	return nil
}

// RemoveAll releases every registration for event, or every
// registration when event is empty.
func (p *Provider) RemoveAll(event string) error {
	p.mu.Lock()
	var regs []*Registration
	for reg := range p.registry {
		if event == "" || reg.event == event {
			regs = append(regs, reg)
			delete(p.registry, reg)
		}
	}
	p.mu.Unlock()
	for _, reg := range regs {
		p.release(reg)
	}
	return nil
}

// release is best-effort: unsubscription errors belong to the bus
// driver.
func (p *Provider) release(reg *Registration) {
	for _, sid := range reg.sids {
		_ = p.config.Transport.Unsubscribe(sid)
	}
	if reg.unsubscribeHub != nil {
		reg.unsubscribeHub()
	}
}
