// Copyright 2018 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package store_test

import (
	"time"

	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	coretesting "github.com/GeorgeSapkin/pubsub-store/internal/testing"
	"github.com/GeorgeSapkin/pubsub-store/model"
	"github.com/GeorgeSapkin/pubsub-store/schema"
	"github.com/GeorgeSapkin/pubsub-store/store"
	"github.com/GeorgeSapkin/pubsub-store/transport/transporttest"
)

type WorkerSuite struct {
	testing.IsolationSuite

	stub      *testing.Stub
	transport *transporttest.StubTransport
	store     *store.Store
}

var _ = gc.Suite(&WorkerSuite{})

func (s *WorkerSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.stub = &testing.Stub{}
	s.transport = transporttest.New(s.stub)
	var err error
	s.store, err = store.New(store.Config{
		Schema:    schema.Definition{Name: "Schema"},
		Transport: s.transport,
		BuildModel: func(*schema.Schema) (model.Model, error) {
			return &stubModel{Stub: s.stub}, nil
		},
	})
	c.Assert(err, jc.ErrorIsNil)
}

func (s *WorkerSuite) TestNewWorkerNilStore(c *gc.C) {
	_, err := store.NewWorker(nil)
	c.Check(err, gc.ErrorMatches, "nil store not valid")
}

func (s *WorkerSuite) TestWorkerOpensAndCloses(c *gc.C) {
	w, err := store.NewWorker(s.store)
	c.Assert(err, jc.ErrorIsNil)
	// The store opens under the worker: wait for its subscriptions.
	timeout := time.After(coretesting.LongWait)
	for len(s.transport.Subjects()) != 8 {
		select {
		case <-timeout:
			c.Fatal("store never opened")
		case <-time.After(time.Millisecond):
		}
	}
	workertest.CleanKill(c, w)
	// The worker closed the store on the way out.
	c.Check(s.store.Close(), gc.ErrorMatches, "store not open")
}

func (s *WorkerSuite) TestWorkerOpenFailure(c *gc.C) {
	c.Assert(s.store.Open(), jc.ErrorIsNil)
	w, err := store.NewWorker(s.store)
	c.Assert(err, jc.ErrorIsNil)
	err = workertest.CheckKilled(c, w)
	c.Check(err, gc.ErrorMatches, "store already open")
}
