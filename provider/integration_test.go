// Copyright 2018 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package provider_test

import (
	"context"
	"sync"
	"time"

	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	coretesting "github.com/GeorgeSapkin/pubsub-store/internal/testing"
	"github.com/GeorgeSapkin/pubsub-store/model"
	"github.com/GeorgeSapkin/pubsub-store/params"
	"github.com/GeorgeSapkin/pubsub-store/provider"
	"github.com/GeorgeSapkin/pubsub-store/schema"
	"github.com/GeorgeSapkin/pubsub-store/store"
	"github.com/GeorgeSapkin/pubsub-store/transport/memtransport"
)

// memoryModel is a minimal in-memory backend for end-to-end tests.
type memoryModel struct {
	mu   sync.Mutex
	docs []interface{}
}

func (m *memoryModel) Count(context.Context, params.Conditions) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.docs)), nil
}

func (m *memoryModel) Create(_ context.Context, object interface{}, _ params.Projection) (interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if objects, ok := object.([]interface{}); ok {
		m.docs = append(m.docs, objects...)
	} else {
		m.docs = append(m.docs, object)
	}
	return object, nil
}

func (m *memoryModel) Find(_ context.Context, _ params.Conditions, _ params.Projection, options *params.FindOptions) ([]interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	docs := m.docs
	if options != nil && options.Skip > 0 {
		if options.Skip >= len(docs) {
			return nil, nil
		}
		docs = docs[options.Skip:]
	}
	if options != nil && options.Limit > 0 && options.Limit < len(docs) {
		docs = docs[:options.Limit]
	}
	return append([]interface{}{}, docs...), nil
}

func (m *memoryModel) Update(context.Context, params.Conditions, interface{}, model.UpdateOptions) (interface{}, error) {
	return 0, nil
}

type IntegrationSuite struct {
	testing.IsolationSuite

	transport *memtransport.Transport
	model     *memoryModel
	store     *store.Store
	provider  *provider.Provider
}

var _ = gc.Suite(&IntegrationSuite{})

func (s *IntegrationSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.transport = memtransport.New()
	s.AddCleanup(func(*gc.C) { s.transport.Close() })
	s.model = &memoryModel{}

	var err error
	s.store, err = store.New(store.Config{
		Schema:    plain,
		Transport: s.transport,
		BuildModel: func(*schema.Schema) (model.Model, error) {
			return s.model, nil
		},
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(s.store.Open(), jc.ErrorIsNil)
	s.AddCleanup(func(*gc.C) { _ = s.store.Close() })

	s.provider, err = provider.New(provider.Config{
		Schema:    plain,
		Transport: s.transport,
		BatchSize: 2,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(*gc.C) { _ = s.provider.Close() })
}

func (s *IntegrationSuite) TestCreateRoundTrip(c *gc.C) {
	result, err := s.provider.Create(context.Background(),
		map[string]interface{}{"a": 1}, nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result, jc.DeepEquals, map[string]interface{}{"a": float64(1)})

	n, err := s.provider.CountAll(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(n, gc.Equals, int64(1))
}

func (s *IntegrationSuite) TestFindPagesAcrossTheBus(c *gc.C) {
	for i := 0; i < 5; i++ {
		_, err := s.provider.Create(context.Background(),
			map[string]interface{}{"i": i}, nil)
		c.Assert(err, jc.ErrorIsNil)
	}
	docs, err := s.provider.FindAll(context.Background(), nil,
		&params.FindOptions{Limit: 5})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(docs, gc.HasLen, 5)
}

func (s *IntegrationSuite) TestCreateRequestsFeedTheStream(c *gc.C) {
	// A create request doubles as a create event: another provider's
	// readable stream sees every object written to the bus.
	changes, err := s.provider.Changes()
	c.Assert(err, jc.ErrorIsNil)

	writer, err := provider.New(provider.Config{
		Schema:      plain,
		Transport:   s.transport,
		NoAckStream: true,
	})
	c.Assert(err, jc.ErrorIsNil)
	defer func() { _ = writer.Close() }()

	err = writer.Write(context.Background(), map[string]interface{}{"a": 1})
	c.Assert(err, jc.ErrorIsNil)

	select {
	case object := <-changes:
		c.Check(object, jc.DeepEquals, map[string]interface{}{"a": float64(1)})
	case <-time.After(coretesting.LongWait):
		c.Fatal("timed out waiting for streamed object")
	}
}
