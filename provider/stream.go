// Copyright 2017 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package provider

import (
	"context"
	"sync"

	"github.com/juju/errors"

	"github.com/GeorgeSapkin/pubsub-store/params"
	"github.com/GeorgeSapkin/pubsub-store/request"
)

// streamProjection keeps stream create replies small: the id is all a
// writer needs back.
var streamProjection = params.Projection{"id": 1}

// Changes returns the readable side of the object stream. The first
// call subscribes to the create event; created objects are delivered on
// the channel, with array payloads fanned out one element at a time.
// Failures never close the channel: they surface as stream-error
// events, so upstream producers are not torn down.
func (p *Provider) Changes() (<-chan interface{}, error) {
	p.streamMu.Lock()
	defer p.streamMu.Unlock()
	if p.changes != nil {
		return p.changes, nil
	}

	capacity := p.config.HighWaterMark
	if capacity <= 0 {
		capacity = p.batchSize
	}
	changes := make(chan interface{}, capacity)

	reg, err := p.On(EventCreate, func(err error, query map[string]interface{}) {
		if err != nil {
			p.streamError(errors.Trace(err))
			return
		}
		object, ok := query["object"]
		if !ok || object == nil {
			p.streamError(errors.Errorf("create event %v does not have an object", query))
			return
		}
		if items, ok := object.([]interface{}); ok {
			for _, item := range items {
				changes <- item
			}
			return
		}
		changes <- object
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	p.changes = changes
	p.changesReg = reg
	return changes, nil
}

// Write sends one object down the writable side of the stream as a
// create request. In acknowledged mode a failed create surfaces as a
// stream-error and the object is consumed regardless, so pipelines keep
// flowing; in noAck mode the object is published without reply handling
// or timers.
func (p *Provider) Write(ctx context.Context, object interface{}) error {
	if object == nil {
		return errors.NotValidf("nil object")
	}
	if p.config.NoAckStream {
		_, err := request.Exec(ctx, p.sender(p.subjects.Create.Base), request.Options{
			NoAck: true,
		}, params.CreateRequest{Object: object, Projection: streamProjection})
		return errors.Trace(err)
	}
	if _, err := p.Create(ctx, object, streamProjection); err != nil {
		p.streamError(errors.Trace(err))
	}
	return nil
}

// WriteBatch sends a coalesced batch. In noAck mode the whole batch is
// packed as a single array payload in one publish; in acknowledged mode
// the objects are created concurrently and per-object failures are
// reported independently as stream-errors.
func (p *Provider) WriteBatch(ctx context.Context, objects []interface{}) error {
	if len(objects) == 0 {
		return nil
	}
	if p.config.NoAckStream {
		_, err := request.Exec(ctx, p.sender(p.subjects.Create.Base), request.Options{
			NoAck: true,
		}, params.CreateRequest{Object: objects, Projection: streamProjection})
		return errors.Trace(err)
	}
	var wg sync.WaitGroup
	for _, object := range objects {
		object := object
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Create(ctx, object, streamProjection); err != nil {
				p.streamError(errors.Trace(err))
			}
		}()
	}
	wg.Wait()
	return nil
}

func (p *Provider) streamError(err error) {
	logger.Debugf("stream error: %v", err)
	p.hub.Publish(EventStreamError, err)
}
