// Copyright 2017 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package store implements the server end of the protocol: it subscribes
// to the CRUD subjects for a schema, decodes requests, dispatches them
// to a pluggable model and publishes wrapped results or error envelopes
// back to the reply subject.
package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"

	"github.com/GeorgeSapkin/pubsub-store/model"
	"github.com/GeorgeSapkin/pubsub-store/params"
	"github.com/GeorgeSapkin/pubsub-store/schema"
	"github.com/GeorgeSapkin/pubsub-store/subjects"
	"github.com/GeorgeSapkin/pubsub-store/transport"
)

var logger = loggo.GetLogger("pubsubstore.store")

// Error event names. Listeners registered for these receive every
// decode or model failure in the corresponding request group.
const (
	CountError  = "count-error"
	CreateError = "create-error"
	FindError   = "find-error"
	UpdateError = "update-error"
)

var errorEvents = set.NewStrings(CountError, CreateError, FindError, UpdateError)

// Config holds the dependencies of a Store.
type Config struct {
	// Schema names the wire subjects; its fields are otherwise opaque
	// to the store.
	Schema schema.Definition

	// Transport is the bus the store serves on.
	Transport transport.Transport

	// BuildModel constructs the data backend. It is called exactly once.
	BuildModel model.Factory

	// Subjects optionally overrides subject prefixes and suffix. It
	// must match the provider's.
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
	if c.BuildModel == nil {
		return errors.NotValidf("nil BuildModel")
	}
	return nil
}

// Store serves CRUD requests for one schema.
type Store struct {
	config   Config
	schema   *schema.Schema
	model    model.Model
	subjects subjects.Subjects
	hub      *pubsub.SimpleHub

	mu     sync.Mutex
	sids   []transport.Sid
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a store. The model is built here, once; serving starts on
// Open.
func New(config Config) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	s, err := schema.New(config.Schema)
	if err != nil {
		return nil, errors.Trace(err)
	}
	m, err := config.BuildModel(s)
	if err != nil {
		return nil, errors.Annotate(err, "cannot build model")
	}
	return &Store{
		config:   config,
		schema:   s,
		model:    m,
		subjects: subjects.Build(s.Name(), config.Subjects),
		hub:      pubsub.NewSimpleHub(nil),
	}, nil
}

// Subjects returns the subject tuple the store serves.
func (s *Store) Subjects() subjects.Subjects {
	return s.subjects
}

// Open subscribes every request subject. The subscription handles are
// recorded in subscription order so Close can release them in the same
// order. Opening an open store fails.
func (s *Store) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sids) > 0 {
		return errors.Errorf("store already open")
	}

	groups := []struct {
		pair    subjects.Pair
		handler transport.Handler
	}{
		{s.subjects.Count, s.handleCount},
		{s.subjects.Create, s.handleCreate},
		{s.subjects.Find, s.handleFind},
		{s.subjects.Update, s.handleUpdate},
	}

	var sids []transport.Sid
	for _, group := range groups {
		for _, subject := range []string{group.pair.Base, group.pair.Wildcard} {
			sid, err := s.config.Transport.Subscribe(subject, group.handler)
			if err != nil {
				for _, sid := range sids {
					_ = s.config.Transport.Unsubscribe(sid)
				}
				return errors.Annotatef(err, "cannot subscribe %q", subject)
			}
			sids = append(sids, sid)
		}
	}
	s.sids = sids
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return nil
}

// Close releases every subscription, in subscription order. Closing a
// store that is not open fails.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sids) == 0 {
		return errors.Errorf("store not open")
	}
	for _, sid := range s.sids {
		_ = s.config.Transport.Unsubscribe(sid)
	}
	s.sids = nil
	s.cancel()
	return nil
}

// OnError registers fn for one of the error events and returns its
// unsubscriber.
func (s *Store) OnError(event string, fn func(error)) (func(), error) {
	if !errorEvents.Contains(event) {
		return nil, errors.NotValidf("error event %q", event)
	}
	if fn == nil {
		return nil, errors.NotValidf("nil listener")
	}
	unsubscribe := s.hub.Subscribe(event, func(_ string, data interface{}) {
		if err, ok := data.(error); ok {
			fn(err)
		}
	})
	return unsubscribe, nil
}

func (s *Store) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}

// fail emits the group's error event and, when the request expects a
// reply, publishes the error envelope so the caller does not hang until
// its timeout.
func (s *Store) fail(event, reply string, err error) {
	logger.Debugf("%s: %v", event, err)
	s.hub.Publish(event, err)
	if reply == "" {
		return
	}
	if err := s.config.Transport.Publish(reply, params.MarshalError(err)); err != nil {
		logger.Errorf("cannot publish error reply: %v", err)
	}
}

// respond publishes the wrapped result, unless the request was
// fire-and-forget.
func (s *Store) respond(event, reply string, result interface{}) {
	if reply == "" {
		return
	}
	data, err := params.MarshalResult(result)
	if err != nil {
		s.fail(event, reply, err)
		return
	}
	if err := s.config.Transport.Publish(reply, data); err != nil {
		logger.Errorf("cannot publish reply: %v", err)
	}
}

func (s *Store) handleCount(data []byte, reply string) {
	var req params.CountRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.fail(CountError, reply, errors.Annotate(err, "cannot decode count request"))
		return
	}
	conditions := req.Conditions
	if conditions == nil {
		conditions = params.Conditions{}
	}
	result, err := s.model.Count(s.context(), conditions)
	if err != nil {
		s.fail(CountError, reply, err)
		return
	}
	s.respond(CountError, reply, result)
}

func (s *Store) handleCreate(data []byte, reply string) {
	var req params.CreateRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.fail(CreateError, reply, errors.Annotate(err, "cannot decode create request"))
		return
	}
	result, err := s.model.Create(s.context(), req.Object, req.Projection)
	if err != nil {
		s.fail(CreateError, reply, err)
		return
	}
	s.respond(CreateError, reply, result)
}

func (s *Store) handleFind(data []byte, reply string) {
	var req params.FindRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.fail(FindError, reply, errors.Annotate(err, "cannot decode find request"))
		return
	}
	conditions := req.Conditions
	if conditions == nil {
		conditions = params.Conditions{}
	}
	result, err := s.model.Find(s.context(), conditions, req.Projection, req.Options)
	if err != nil {
		s.fail(FindError, reply, err)
		return
	}
	s.respond(FindError, reply, result)
}

func (s *Store) handleUpdate(data []byte, reply string) {
	var req params.UpdateRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.fail(UpdateError, reply, errors.Annotate(err, "cannot decode update request"))
		return
	}
	// Multi is forced here: the wire payload cannot override it.
	result, err := s.model.Update(s.context(), req.Conditions, req.Object, model.UpdateOptions{
		Select: req.Projection,
		Multi:  true,
	})
	if err != nil {
		s.fail(UpdateError, reply, err)
		return
	}
	s.respond(UpdateError, reply, result)
}
