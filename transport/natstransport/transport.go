// Copyright 2018 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package natstransport adapts a NATS connection to the transport
// contract. Subject grammar maps one to one: this layer's subjects are
// native NATS subjects, including the ".>" wildcards.
package natstransport

import (
	"sync"

	"github.com/juju/errors"
	"github.com/nats-io/nats.go"

	"github.com/GeorgeSapkin/pubsub-store/transport"
)

// Transport wraps a *nats.Conn. The connection's lifecycle belongs to
// the caller; Close here only releases subscriptions made through this
// adapter.
type Transport struct {
	conn *nats.Conn

	mu      sync.Mutex
	nextSid transport.Sid
	subs    map[transport.Sid]*nats.Subscription
}

// New returns a transport over conn.
func New(conn *nats.Conn) (*Transport, error) {
	if conn == nil {
		return nil, errors.NotValidf("nil connection")
	}
	return &Transport{
		conn: conn,
		subs: make(map[transport.Sid]*nats.Subscription),
	}, nil
}

// Subscribe implements transport.Transport.
func (t *Transport) Subscribe(subject string, handler transport.Handler) (transport.Sid, error) {
	sub, err := t.conn.Subscribe(subject, func(m *nats.Msg) {
		handler(m.Data, m.Reply)
	})
	if err != nil {
		return 0, errors.Trace(err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextSid++
	sid := t.nextSid
	t.subs[sid] = sub
	return sid, nil
}

// Unsubscribe implements transport.Transport.
func (t *Transport) Unsubscribe(sid transport.Sid) error {
	t.mu.Lock()
	sub, ok := t.subs[sid]
	delete(t.subs, sid)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// Publish implements transport.Transport.
func (t *Transport) Publish(subject string, data []byte) error {
	return errors.Trace(t.conn.Publish(subject, data))
}

// Request implements transport.Transport. A transient inbox receives at
// most one reply; the executor owns any timeout, so no deadline is set
// here.
func (t *Transport) Request(subject string, data []byte, reply transport.ReplyFunc) error {
	inbox := nats.NewInbox()
	sub, err := t.conn.Subscribe(inbox, func(m *nats.Msg) {
		reply(m.Data)
	})
	if err != nil {
		return errors.Trace(err)
	}
	if err := sub.AutoUnsubscribe(1); err != nil {
		_ = sub.Unsubscribe()
		return errors.Trace(err)
	}
	if err := t.conn.PublishRequest(subject, inbox, data); err != nil {
		_ = sub.Unsubscribe()
		return errors.Trace(err)
	}
	return nil
}

// Close releases every subscription made through this adapter.
func (t *Transport) Close() {
	t.mu.Lock()
	subs := t.subs
	t.subs = make(map[transport.Sid]*nats.Subscription)
	t.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
}
