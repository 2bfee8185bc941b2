// Copyright 2017 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package request implements the request executors shared by provider
// operations: a single-shot request with a reply timeout, and a paged
// batch retrieval built on top of it.
package request

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/GeorgeSapkin/pubsub-store/params"
)

// SendFunc dispatches an encoded query. reply is nil for fire-and-forget
// sends; otherwise the transport must arrange for reply to be called
// with the first response.
type SendFunc func(data []byte, reply func([]byte)) error

// Options controls a single execution.
type Options struct {
	// NoAck sends without expecting a reply: no timer is armed and no
	// response is parsed.
	NoAck bool

	// Timeout bounds the wait for a reply.
	Timeout time.Duration

	// Clock supplies the timer; it defaults to clock.WallClock.
	Clock clock.Clock
}

// TimeoutError is returned when no reply arrives within the timeout. The
// query that timed out is attached for diagnostics.
type TimeoutError struct {
	Query   interface{}
	Timeout time.Duration
}

// Error implements error.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("query timeout after %dms", e.Timeout/time.Millisecond)
}

// Exec serializes query, dispatches it through send and waits for the
// decoded result. Wire-delivered errors come back traced, with a
// *params.Error as their cause. Each
// call owns exactly one timer, cancelled on first reply; concurrent
// calls are independent.
func Exec(ctx context.Context, send SendFunc, opts Options, query interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(query)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if opts.NoAck {
		return nil, errors.Trace(send(data, nil))
	}

	replies := make(chan []byte, 1)
	if err := send(data, func(data []byte) {
		select {
		case replies <- data:
		default:
		}
	}); err != nil {
		return nil, errors.Trace(err)
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	timer := clk.NewTimer(opts.Timeout)
	defer timer.Stop()

	select {
	case reply := <-replies:
		result, err := params.UnmarshalResponse(reply)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return result, nil
	case <-timer.Chan():
		return nil, &TimeoutError{Query: query, Timeout: opts.Timeout}
	case <-ctx.Done():
		return nil, errors.Trace(ctx.Err())
	}
}

// PageFunc fetches one page of at most limit documents starting at skip.
type PageFunc func(limit, skip int) ([]interface{}, error)

// Batch retrieves up to limit documents by repeated paging. A limit of
// zero defaults to batchSize. Retrieval stops at the limit or at the
// first page shorter than batchSize, whichever comes first.
func Batch(page PageFunc, batchSize, limit int) ([]interface{}, error) {
	if batchSize <= 0 {
		return nil, errors.NotValidf("batch size %d", batchSize)
	}
	if limit <= 0 {
		limit = batchSize
	}

	var results []interface{}
	left := limit
	for iter := 0; ; iter++ {
		size := left
		if size > batchSize {
			size = batchSize
		}
		docs, err := page(size, batchSize*iter)
		if err != nil {
			return nil, errors.Trace(err)
		}
		results = append(results, docs...)
		left -= batchSize
		if left <= 0 || len(docs) < batchSize {
			return results, nil
		}
	}
}
