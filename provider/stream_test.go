// Copyright 2017 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package provider_test

import (
	"context"
	"time"

	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	coretesting "github.com/GeorgeSapkin/pubsub-store/internal/testing"
	"github.com/GeorgeSapkin/pubsub-store/provider"
	"github.com/GeorgeSapkin/pubsub-store/transport/transporttest"
)

type StreamSuite struct {
	testing.IsolationSuite

	stub      *testing.Stub
	transport *transporttest.StubTransport
}

var _ = gc.Suite(&StreamSuite{})

func (s *StreamSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.stub = &testing.Stub{}
	s.transport = transporttest.New(s.stub)
}

func (s *StreamSuite) provider(c *gc.C, config provider.Config) *provider.Provider {
	config.Transport = s.transport
	if config.Schema.Name == "" {
		config.Schema = plain
	}
	p, err := provider.New(config)
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(*gc.C) { _ = p.Close() })
	return p
}

func (s *StreamSuite) streamErrors(c *gc.C, p *provider.Provider) chan error {
	failures := make(chan error, 10)
	_, err := p.OnStreamError(func(err error) {
		failures <- err
	})
	c.Assert(err, jc.ErrorIsNil)
	return failures
}

func expectStreamError(c *gc.C, failures chan error, match string) {
	select {
	case err := <-failures:
		c.Check(err, gc.ErrorMatches, match)
	case <-time.After(coretesting.LongWait):
		c.Fatal("timed out waiting for stream error")
	}
}

func recv(c *gc.C, changes <-chan interface{}) interface{} {
	select {
	case object := <-changes:
		return object
	case <-time.After(coretesting.LongWait):
		c.Fatal("timed out waiting for object")
	}
	return nil
}

func (s *StreamSuite) TestChangesSubscribesOnFirstCall(c *gc.C) {
	p := s.provider(c, provider.Config{})
	c.Check(s.transport.Subjects(), gc.HasLen, 0)

	first, err := p.Changes()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.transport.Subjects(), jc.DeepEquals, []string{
		"create.schema", "create.schema.>",
	})

	// Further calls reuse the same channel and subscription.
	second, err := p.Changes()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(second, gc.Equals, (<-chan interface{})(first))
	c.Check(s.transport.Subjects(), gc.HasLen, 2)
}

func (s *StreamSuite) TestChangesDeliversObject(c *gc.C) {
	p := s.provider(c, provider.Config{})
	changes, err := p.Changes()
	c.Assert(err, jc.ErrorIsNil)

	s.transport.Deliver("create.schema", []byte(`{"object":{"a":1}}`), "")
	c.Check(recv(c, changes), jc.DeepEquals, map[string]interface{}{"a": float64(1)})
}

func (s *StreamSuite) TestChangesFansOutArrays(c *gc.C) {
	p := s.provider(c, provider.Config{})
	changes, err := p.Changes()
	c.Assert(err, jc.ErrorIsNil)

	s.transport.Deliver("create.schema", []byte(`{"object":[{"i":0},{"i":1},{"i":2}]}`), "")
	for i := 0; i < 3; i++ {
		c.Check(recv(c, changes), jc.DeepEquals, map[string]interface{}{"i": float64(i)})
	}
}

func (s *StreamSuite) TestChangesMissingObject(c *gc.C) {
	p := s.provider(c, provider.Config{})
	failures := s.streamErrors(c, p)
	_, err := p.Changes()
	c.Assert(err, jc.ErrorIsNil)

	s.transport.Deliver("create.schema", []byte(`{"somethingelse":1}`), "")
	expectStreamError(c, failures, ".*does not have an object")
}

func (s *StreamSuite) TestChangesDecodeFailure(c *gc.C) {
	p := s.provider(c, provider.Config{})
	failures := s.streamErrors(c, p)
	_, err := p.Changes()
	c.Assert(err, jc.ErrorIsNil)

	s.transport.Deliver("create.schema", []byte("{not json"), "")
	expectStreamError(c, failures, "cannot decode create event: .*")
}

func (s *StreamSuite) TestWriteAcknowledged(c *gc.C) {
	p := s.provider(c, provider.Config{})
	s.transport.Replier = func(subject string, data []byte) []byte {
		return []byte(`{"result":{"id":1}}`)
	}
	err := p.Write(context.Background(), map[string]interface{}{"a": 1})
	c.Assert(err, jc.ErrorIsNil)
	s.stub.CheckCalls(c, []testing.StubCall{{
		FuncName: "Request",
		Args:     []interface{}{"create.schema", `{"object":{"a":1},"projection":{"id":1}}`},
	}})
}

func (s *StreamSuite) TestWriteFailureEmitsStreamError(c *gc.C) {
	p := s.provider(c, provider.Config{})
	failures := s.streamErrors(c, p)
	s.transport.Replier = func(subject string, data []byte) []byte {
		return []byte(`{"error":{"message":"bad wolf"}}`)
	}
	// The write itself succeeds: failures must not tear the pipe down.
	err := p.Write(context.Background(), map[string]interface{}{"a": 1})
	c.Assert(err, jc.ErrorIsNil)
	expectStreamError(c, failures, "bad wolf")
}

func (s *StreamSuite) TestWriteNoAck(c *gc.C) {
	p := s.provider(c, provider.Config{NoAckStream: true})
	err := p.Write(context.Background(), map[string]interface{}{"i": 0})
	c.Assert(err, jc.ErrorIsNil)
	s.stub.CheckCalls(c, []testing.StubCall{{
		FuncName: "Publish",
		Args:     []interface{}{"create.schema", `{"object":{"i":0},"projection":{"id":1}}`},
	}})
}

func (s *StreamSuite) TestWriteBatchNoAckSinglePublish(c *gc.C) {
	// Six objects: the first written alone, the rest as one coalesced
	// batch. Exactly two publishes reach the transport.
	p := s.provider(c, provider.Config{NoAckStream: true})

	objects := make([]interface{}, 6)
	for i := range objects {
		objects[i] = map[string]interface{}{"i": i}
	}
	c.Assert(p.Write(context.Background(), objects[0]), jc.ErrorIsNil)
	c.Assert(p.WriteBatch(context.Background(), objects[1:]), jc.ErrorIsNil)

	s.stub.CheckCalls(c, []testing.StubCall{{
		FuncName: "Publish",
		Args:     []interface{}{"create.schema", `{"object":{"i":0},"projection":{"id":1}}`},
	}, {
		FuncName: "Publish",
		Args: []interface{}{"create.schema",
			`{"object":[{"i":1},{"i":2},{"i":3},{"i":4},{"i":5}],"projection":{"id":1}}`},
	}})
}

func (s *StreamSuite) TestWriteBatchAcknowledged(c *gc.C) {
	p := s.provider(c, provider.Config{})
	s.transport.Replier = func(subject string, data []byte) []byte {
		return []byte(`{"result":{"id":1}}`)
	}
	objects := []interface{}{
		map[string]interface{}{"i": 0},
		map[string]interface{}{"i": 1},
	}
	c.Assert(p.WriteBatch(context.Background(), objects), jc.ErrorIsNil)
	// One request per object; completions may interleave.
	s.stub.CheckCallNames(c, "Request", "Request")
}

func (s *StreamSuite) TestWriteBatchAcknowledgedFailuresIndependent(c *gc.C) {
	p := s.provider(c, provider.Config{})
	failures := s.streamErrors(c, p)
	s.transport.Replier = func(subject string, data []byte) []byte {
		return []byte(`{"error":{"message":"bad wolf"}}`)
	}
	objects := []interface{}{
		map[string]interface{}{"i": 0},
		map[string]interface{}{"i": 1},
	}
	c.Assert(p.WriteBatch(context.Background(), objects), jc.ErrorIsNil)
	expectStreamError(c, failures, "bad wolf")
	expectStreamError(c, failures, "bad wolf")
}

func (s *StreamSuite) TestWriteBatchEmpty(c *gc.C) {
	p := s.provider(c, provider.Config{NoAckStream: true})
	c.Assert(p.WriteBatch(context.Background(), nil), jc.ErrorIsNil)
	s.stub.CheckCallNames(c)
}

func (s *StreamSuite) TestWriteNilObject(c *gc.C) {
	p := s.provider(c, provider.Config{})
	c.Check(p.Write(context.Background(), nil), gc.ErrorMatches, "nil object not valid")
	s.stub.CheckCallNames(c)
}

func (s *StreamSuite) TestHighWaterMarkBuffersWithoutReader(c *gc.C) {
	p := s.provider(c, provider.Config{HighWaterMark: 4})
	_, err := p.Changes()
	c.Assert(err, jc.ErrorIsNil)

	// Four objects fit in the buffer without anyone reading.
	done := make(chan struct{})
	go func() {
		s.transport.Deliver("create.schema", []byte(`{"object":[{"i":0},{"i":1},{"i":2},{"i":3}]}`), "")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(coretesting.LongWait):
		c.Fatal("delivery blocked below the high-water mark")
	}
}
