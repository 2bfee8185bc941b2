// Copyright 2017 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package memtransport is an in-process implementation of the transport
// contract with NATS-style subject matching. It backs integration tests
// and embedders that colocate a provider and store in one process.
package memtransport

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/juju/errors"

	"github.com/GeorgeSapkin/pubsub-store/transport"
)

type subscription struct {
	subject string
	handler transport.Handler
}

// Transport is an in-memory bus. Messages are delivered asynchronously,
// one goroutine per publish, in subscription order; replies published to
// a request inbox are delivered synchronously by the publisher.
type Transport struct {
	mu      sync.Mutex
	nextSid transport.Sid
	order   []transport.Sid
	subs    map[transport.Sid]*subscription
	inbox   int64
	closed  bool
}

// New returns an empty in-memory transport.
func New() *Transport {
	return &Transport{
		subs: make(map[transport.Sid]*subscription),
	}
}

// Subscribe implements transport.Transport.
func (t *Transport) Subscribe(subject string, handler transport.Handler) (transport.Sid, error) {
	if subject == "" {
		return 0, errors.NotValidf("empty subject")
	}
	if handler == nil {
		return 0, errors.NotValidf("nil handler")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, errors.Errorf("transport closed")
	}
	t.nextSid++
	sid := t.nextSid
	t.subs[sid] = &subscription{subject: subject, handler: handler}
	t.order = append(t.order, sid)
	return sid, nil
}

// Unsubscribe implements transport.Transport. Unsubscribing an unknown
// sid is a no-op.
func (t *Transport) Unsubscribe(sid transport.Sid) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, sid)
	return nil
}

// Publish implements transport.Transport.
func (t *Transport) Publish(subject string, data []byte) error {
	return t.deliver(subject, data, "")
}

// Request implements transport.Transport. The reply subject is a
// transient inbox subscription released after the first delivery.
func (t *Transport) Request(subject string, data []byte, reply transport.ReplyFunc) error {
	inbox := fmt.Sprintf("_INBOX.%d", atomic.AddInt64(&t.inbox, 1))
	var (
		once sync.Once
		sid  transport.Sid
	)
	sid, err := t.Subscribe(inbox, func(data []byte, _ string) {
		once.Do(func() {
			_ = t.Unsubscribe(sid)
			reply(data)
		})
	})
	if err != nil {
		return errors.Trace(err)
	}
	return t.deliver(subject, data, inbox)
}

// Close drops every subscription and refuses further ones.
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.subs = make(map[transport.Sid]*subscription)
	t.order = nil
}

func (t *Transport) deliver(subject string, data []byte, reply string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.Errorf("transport closed")
	}
	var matched []transport.Handler
	for _, sid := range t.order {
		sub, ok := t.subs[sid]
		if ok && matchSubject(sub.subject, subject) {
			matched = append(matched, sub.handler)
		}
	}
	t.mu.Unlock()

	// Replies to a request inbox run on the publishing goroutine, so the
	// first reply published is the one a request sees.
	if strings.HasPrefix(subject, "_INBOX.") {
		for _, handler := range matched {
			handler(data, reply)
		}
		return nil
	}

	go func() {
		for _, handler := range matched {
			handler(data, reply)
		}
	}()
	return nil
}

// matchSubject reports whether a subscription pattern matches a concrete
// subject. "*" matches exactly one token, ">" matches one or more
// trailing tokens.
func matchSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, token := range pt {
		if token == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if token != "*" && token != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
