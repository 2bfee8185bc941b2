// Copyright 2017 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package model defines the contract a store dispatches decoded requests
// to. Implementations own the storage backend and its query dialect;
// conditions and projections pass through this layer untouched.
package model

import (
	"context"

	"github.com/GeorgeSapkin/pubsub-store/params"
	"github.com/GeorgeSapkin/pubsub-store/schema"
)

// UpdateOptions carries the store-enforced update behaviour. Multi is
// always true on the store dispatch path; callers cannot override it
// through the wire payload.
type UpdateOptions struct {
	Select params.Projection
	Multi  bool
}

// Model is the data backend contract.
type Model interface {
	// Count returns the number of documents matching conditions.
	Count(ctx context.Context, conditions params.Conditions) (int64, error)

	// Create stores object, which is a single document or a slice of
	// documents, and returns what was created in the same shape.
	Create(ctx context.Context, object interface{}, projection params.Projection) (interface{}, error)

	// Find returns the documents matching conditions.
	Find(ctx context.Context, conditions params.Conditions, projection params.Projection, options *params.FindOptions) ([]interface{}, error)

	// Update applies object to the documents matching conditions.
	Update(ctx context.Context, conditions params.Conditions, object interface{}, options UpdateOptions) (interface{}, error)
}

// Factory builds the model for a schema. A store calls its factory
// exactly once, at construction.
type Factory func(s *schema.Schema) (Model, error)
