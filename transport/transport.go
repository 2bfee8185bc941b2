// Copyright 2017 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package transport defines the narrow contract this layer needs from a
// message bus. Any bus with subject-addressed publish, subscribe and
// request/reply can sit behind it; the driver is assumed to be safe for
// concurrent use.
package transport

// Sid is an opaque subscription handle issued by a Transport.
type Sid int64

// Handler receives a delivered message. reply is the reply subject for
// request messages, or empty for fire-and-forget publishes.
type Handler func(data []byte, reply string)

// ReplyFunc receives the single reply to a request.
type ReplyFunc func(data []byte)

// Transport is the bus driver contract. Errors from Publish and
// Unsubscribe are the driver's to report; callers treat both as
// best-effort.
type Transport interface {
	// Subscribe registers handler for messages on subject and returns
	// the subscription handle.
	Subscribe(subject string, handler Handler) (Sid, error)

	// Unsubscribe releases a subscription obtained from Subscribe.
	Unsubscribe(sid Sid) error

	// Publish sends data to subject with no reply expected.
	Publish(subject string, data []byte) error

	// Request sends data to subject and arranges for reply to be called
	// with the first response. At most one reply is delivered.
	Request(subject string, data []byte, reply ReplyFunc) error
}
