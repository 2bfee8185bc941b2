// Copyright 2017 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package transporttest provides a Stub-backed transport for use in test
// suites. Deliveries are synchronous so tests stay deterministic.
package transporttest

import (
	"sync"

	"github.com/juju/testing"

	"github.com/GeorgeSapkin/pubsub-store/transport"
)

type subscription struct {
	subject string
	handler transport.Handler
}

// StubTransport records Subscribe/Unsubscribe/Publish/Request calls on
// its Stub and lets tests deliver messages to live handlers and script
// request replies.
type StubTransport struct {
	*testing.Stub

	// Replier, when set, is invoked for every Request and its return
	// value is delivered synchronously as the reply. A nil return means
	// no reply (the request stays in flight).
	Replier func(subject string, data []byte) []byte

	mu      sync.Mutex
	nextSid transport.Sid
	order   []transport.Sid
	subs    map[transport.Sid]*subscription
}

// New returns a stub transport recording onto stub.
func New(stub *testing.Stub) *StubTransport {
	return &StubTransport{
		Stub: stub,
		subs: make(map[transport.Sid]*subscription),
	}
}

// Subscribe implements transport.Transport.
func (t *StubTransport) Subscribe(subject string, handler transport.Handler) (transport.Sid, error) {
	t.AddCall("Subscribe", subject)
	if err := t.NextErr(); err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextSid++
	sid := t.nextSid
	t.subs[sid] = &subscription{subject: subject, handler: handler}
	t.order = append(t.order, sid)
	return sid, nil
}

// Unsubscribe implements transport.Transport.
func (t *StubTransport) Unsubscribe(sid transport.Sid) error {
	t.AddCall("Unsubscribe", sid)
	t.mu.Lock()
	delete(t.subs, sid)
	t.mu.Unlock()
	return t.NextErr()
}

// Publish implements transport.Transport.
func (t *StubTransport) Publish(subject string, data []byte) error {
	t.AddCall("Publish", subject, string(data))
	return t.NextErr()
}

// Request implements transport.Transport.
func (t *StubTransport) Request(subject string, data []byte, reply transport.ReplyFunc) error {
	t.AddCall("Request", subject, string(data))
	if err := t.NextErr(); err != nil {
		return err
	}
	if t.Replier != nil {
		if response := t.Replier(subject, data); response != nil {
			reply(response)
		}
	}
	return nil
}

// Deliver synchronously invokes every live handler subscribed to exactly
// subject, passing reply through.
func (t *StubTransport) Deliver(subject string, data []byte, reply string) {
	t.mu.Lock()
	var matched []transport.Handler
	for _, sid := range t.order {
		if sub, ok := t.subs[sid]; ok && sub.subject == subject {
			matched = append(matched, sub.handler)
		}
	}
	t.mu.Unlock()
	for _, handler := range matched {
		handler(data, reply)
	}
}

// Subjects returns the subjects of live subscriptions in subscription
// order.
func (t *StubTransport) Subjects() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var subjects []string
	for _, sid := range t.order {
		if sub, ok := t.subs[sid]; ok {
			subjects = append(subjects, sub.subject)
		}
	}
	return subjects
}
