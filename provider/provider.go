// Copyright 2017 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package provider implements the client end of the protocol: typed
// CRUD calls translated into request/reply messages, tombstone-aware
// default filters, bus event re-publication to local listeners and a
// duplex object stream.
package provider

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"

	"github.com/GeorgeSapkin/pubsub-store/params"
	"github.com/GeorgeSapkin/pubsub-store/request"
	"github.com/GeorgeSapkin/pubsub-store/schema"
	"github.com/GeorgeSapkin/pubsub-store/subjects"
	"github.com/GeorgeSapkin/pubsub-store/transport"
)

var logger = loggo.GetLogger("pubsubstore.provider")

const (
	// DefaultTimeout bounds the wait for a single reply.
	DefaultTimeout = time.Second

	// DefaultBatchSize is the page size for batched finds.
	DefaultBatchSize = 10
)

// Config holds the dependencies and tunables of a Provider.
type Config struct {
	// Schema describes the objects this provider moves. A FieldsFunc is
	// evaluated once, here, with placeholder type references.
	Schema schema.Definition

	// Transport is the bus the provider dispatches on.
	Transport transport.Transport

	// Timeout bounds each request; it defaults to DefaultTimeout.
	Timeout time.Duration

	// BatchSize is the page size for batched finds; it defaults to
	// DefaultBatchSize.
	BatchSize int

	// HighWaterMark is the readable stream buffer capacity; it defaults
	// to the batch size.
	HighWaterMark int

	// NoAckStream makes stream writes fire-and-forget: published
	// without reply handling or timers.
	NoAckStream bool

	// Clock supplies request timers; it defaults to clock.WallClock.
	Clock clock.Clock

	// Subjects optionally overrides subject prefixes and suffix. It
	// must match the store's.
	Subjects subjects.Options
}

// Validate implements the config contract.
func (c Config) Validate() error {
	if c.Schema.Name == "" {
		return errors.NotValidf("schema with empty name")
	}
	if c.Transport == nil {
		return errors.NotValidf("nil Transport")
	}
	if c.Timeout < 0 {
		return errors.NotValidf("negative Timeout")
	}
	if c.BatchSize < 0 {
		return errors.NotValidf("negative BatchSize")
	}
	return nil
}

// Provider is a schema-bound client of a store.
type Provider struct {
	config    Config
	schema    *schema.Schema
	subjects  subjects.Subjects
	defaults  params.Conditions
	clock     clock.Clock
	timeout   time.Duration
	batchSize int
	hub       *pubsub.SimpleHub

	mu       sync.Mutex
	registry map[*Registration]struct{}

	streamMu   sync.Mutex
	changes    chan interface{}
	changesReg *Registration
}

// New builds a provider for the given schema and transport.
func New(config Config) (*Provider, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	s, err := schema.New(config.Schema)
	if err != nil {
		return nil, errors.Trace(err)
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	timeout := config.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	batchSize := config.BatchSize
	if batchSize == 0 {
		batchSize = DefaultBatchSize
	}
	return &Provider{
		config:    config,
		schema:    s,
		subjects:  subjects.Build(s.Name(), config.Subjects),
		defaults:  defaultConditions(s),
		clock:     clk,
		timeout:   timeout,
		batchSize: batchSize,
		hub:       pubsub.NewSimpleHub(nil),
		registry:  make(map[*Registration]struct{}),
	}, nil
}

// Schema returns the provider's evaluated schema.
func (p *Provider) Schema() *schema.Schema {
	return p.schema
}

// Subjects returns the subject tuple the provider dispatches on.
func (p *Provider) Subjects() subjects.Subjects {
	return p.subjects
}

// Close releases every live registration, including the stream
// subscription.
func (p *Provider) Close() error {
	p.streamMu.Lock()
	p.changesReg = nil
	p.streamMu.Unlock()
	return p.RemoveAll("")
}

func (p *Provider) sender(subject string) request.SendFunc {
	return func(data []byte, reply func([]byte)) error {
		if reply == nil {
			return p.config.Transport.Publish(subject, data)
		}
		return p.config.Transport.Request(subject, data, reply)
	}
}

func (p *Provider) exec(ctx context.Context, subject string, query interface{}) (json.RawMessage, error) {
	return request.Exec(ctx, p.sender(subject), request.Options{
		Timeout: p.timeout,
		Clock:   p.clock,
	}, query)
}

// Count returns the number of documents matching conditions, after the
// default-condition merge.
func (p *Provider) Count(ctx context.Context, conditions params.Conditions) (int64, error) {
	if conditions == nil {
		return 0, errors.NotValidf("nil conditions")
	}
	return p.count(ctx, conditions)
}

// CountAll counts with the default conditions alone.
func (p *Provider) CountAll(ctx context.Context) (int64, error) {
	return p.count(ctx, nil)
}

func (p *Provider) count(ctx context.Context, conditions params.Conditions) (int64, error) {
	raw, err := p.exec(ctx, p.subjects.Count.Base, params.CountRequest{
		Conditions: mergeConditions(p.defaults, conditions),
	})
	if err != nil {
		return 0, errors.Trace(err)
	}
	var n int64
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &n); err != nil {
			return 0, errors.Annotate(err, "cannot decode count result")
		}
	}
	return n, nil
}

// Create stores object, which may be a single document or a slice.
// Default conditions are never applied to create.
func (p *Provider) Create(ctx context.Context, object interface{}, projection params.Projection) (interface{}, error) {
	if object == nil {
		return nil, errors.NotValidf("nil object")
	}
	raw, err := p.exec(ctx, p.subjects.Create.Base, params.CreateRequest{
		Object:     object,
		Projection: projection,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return decodeResult(raw)
}

// Find returns the documents matching conditions, fetched in pages of
// the configured batch size. options.Limit caps the total; without a
// limit, at most one batch of documents is returned.
func (p *Provider) Find(ctx context.Context, conditions params.Conditions, projection params.Projection, options *params.FindOptions) ([]interface{}, error) {
	if conditions == nil {
		return nil, errors.NotValidf("nil conditions")
	}
	return p.findPages(ctx, mergeConditions(p.defaults, conditions), projection, options)
}

// FindAll finds with the default conditions alone.
func (p *Provider) FindAll(ctx context.Context, projection params.Projection, options *params.FindOptions) ([]interface{}, error) {
	return p.findPages(ctx, mergeConditions(p.defaults, nil), projection, options)
}

// findPages pages through the result set. conditions are dispatched as
// given; callers do any default merging.
func (p *Provider) findPages(ctx context.Context, conditions params.Conditions, projection params.Projection, options *params.FindOptions) ([]interface{}, error) {
	limit := 0
	if options != nil {
		limit = options.Limit
	}
	page := func(limit, skip int) ([]interface{}, error) {
		raw, err := p.exec(ctx, p.subjects.Find.Base, params.FindRequest{
			Conditions: conditions,
			Projection: projection,
			Options:    &params.FindOptions{Limit: limit, Skip: skip},
		})
		if err != nil {
			return nil, errors.Trace(err)
		}
		return decodeDocuments(raw)
	}
	return request.Batch(page, p.batchSize, limit)
}

// FindByID returns the document with the given id, or nil when there is
// no single match. A server returning more than one document for the
// limit-1 query resolves to nil rather than an error.
func (p *Provider) FindByID(ctx context.Context, id interface{}, projection params.Projection) (interface{}, error) {
	if id == nil {
		return nil, errors.NotValidf("nil id")
	}
	raw, err := p.exec(ctx, p.subjects.Find.Base, params.FindRequest{
		Conditions: mergeConditions(p.defaults, params.Conditions{"_id": id}),
		Projection: projection,
		Options:    &params.FindOptions{Limit: 1},
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	docs, err := decodeDocuments(raw)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return singleOrNil(docs), nil
}

// Delete soft-deletes the documents matching conditions by stamping
// metadata.deleted, then returns the now-tombstoned documents, at most
// one batch of them. It fails on schemas without deleted metadata.
func (p *Provider) Delete(ctx context.Context, conditions params.Conditions, projection params.Projection) ([]interface{}, error) {
	if !p.schema.HasDeletedMetadata() {
		return nil, errors.NotSupportedf("delete on schema %q without metadata.deleted", p.schema.Name())
	}
	if conditions == nil {
		return nil, errors.NotValidf("nil conditions")
	}
	object := map[string]interface{}{
		"$currentDate": map[string]interface{}{
			"metadata.deleted": true,
			"metadata.updated": true,
		},
	}
	if _, err := p.exec(ctx, p.subjects.Update.Base, params.UpdateRequest{
		Conditions: mergeConditions(p.defaults, conditions),
		Object:     object,
		Projection: projection,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	// The default $or filter excludes tombstoned documents, so the
	// post-delete find dispatches without it.
	deleted := mergeConditions(conditions, params.Conditions{
		"metadata.deleted": map[string]interface{}{"$exists": true},
	})
	return p.findPages(ctx, deleted, projection, nil)
}

// DeleteByID soft-deletes the document with the given id and returns it,
// or nil when there was no single match.
func (p *Provider) DeleteByID(ctx context.Context, id interface{}, projection params.Projection) (interface{}, error) {
	if id == nil {
		return nil, errors.NotValidf("nil id")
	}
	docs, err := p.Delete(ctx, params.Conditions{"_id": id}, projection)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return singleOrNil(docs), nil
}

// UpdateByID updates the document with the given id, stamping
// metadata.updated on schemas that carry metadata.deleted, and returns the
// updated document or nil when there is no single match.
func (p *Provider) UpdateByID(ctx context.Context, id interface{}, object map[string]interface{}, projection params.Projection) (interface{}, error) {
	if id == nil {
		return nil, errors.NotValidf("nil id")
	}
	if object == nil {
		return nil, errors.NotValidf("nil object")
	}
	update := object
	if p.schema.HasDeletedMetadata() {
		update = mergeObjects(map[string]interface{}{
			"$currentDate": map[string]interface{}{
				"metadata.updated": true,
			},
		}, object)
	}
	if _, err := p.exec(ctx, p.subjects.Update.Base, params.UpdateRequest{
		Conditions: mergeConditions(p.defaults, params.Conditions{"_id": id}),
		Object:     update,
		Projection: projection,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	raw, err := p.exec(ctx, p.subjects.Find.Base, params.FindRequest{
		Conditions: mergeConditions(p.defaults, params.Conditions{"_id": id}),
		Projection: projection,
		Options:    &params.FindOptions{Limit: 1},
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	docs, err := decodeDocuments(raw)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return singleOrNil(docs), nil
}

func decodeResult(raw json.RawMessage) (interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var result interface{}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, errors.Annotate(err, "cannot decode result")
	}
	return result, nil
}

func decodeDocuments(raw json.RawMessage) ([]interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var docs []interface{}
	if err := json.Unmarshal(raw, &docs); err != nil {
		return nil, errors.Annotate(err, "cannot decode documents")
	}
	return docs, nil
}

// singleOrNil reduces a limit-1 result: exactly one document or nil.
func singleOrNil(docs []interface{}) interface{} {
	if len(docs) == 1 {
		return docs[0]
	}
	return nil
}
