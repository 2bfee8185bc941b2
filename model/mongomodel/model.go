// Copyright 2018 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package mongomodel implements the model contract over MongoDB. One
// collection per schema, named after the lowercased schema name. Query
// operators ($or, $exists, $eq, $currentDate, ...) flow through to the
// server untouched.
package mongomodel

import (
	"context"

	"github.com/juju/errors"
	mgo "github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"

	"github.com/GeorgeSapkin/pubsub-store/model"
	"github.com/GeorgeSapkin/pubsub-store/params"
	"github.com/GeorgeSapkin/pubsub-store/schema"
)

// Config holds the session a factory's models share.
type Config struct {
	Session  *mgo.Session
	Database string
}

// Validate implements the usual config contract.
func (c Config) Validate() error {
	if c.Session == nil {
		return errors.NotValidf("nil Session")
	}
	if c.Database == "" {
		return errors.NotValidf("empty Database")
	}
	return nil
}

// NewFactory returns a model.Factory producing Mongo-backed models.
func NewFactory(config Config) (model.Factory, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return func(s *schema.Schema) (model.Model, error) {
		return &mongoModel{
			collection: config.Session.DB(config.Database).C(s.LowerName()),
		}, nil
	}, nil
}

type mongoModel struct {
	collection *mgo.Collection
}

// Count implements model.Model. mgo calls do not take a context; the
// session's socket timeout bounds them instead.
func (m *mongoModel) Count(_ context.Context, conditions params.Conditions) (int64, error) {
	n, err := m.collection.Find(bson.M(conditions)).Count()
	if err != nil {
		return 0, errors.Trace(err)
	}
	return int64(n), nil
}

// Create implements model.Model. Documents without an _id get a hex
// ObjectId so the caller can address them afterwards.
func (m *mongoModel) Create(_ context.Context, object interface{}, projection params.Projection) (interface{}, error) {
	docs, isSlice := asDocuments(object)
	if len(docs) == 0 {
		return nil, errors.NotValidf("empty object")
	}
	inserts := make([]interface{}, len(docs))
	for i, doc := range docs {
		docs[i] = ensureID(doc)
		inserts[i] = docs[i]
	}
	if err := m.collection.Insert(inserts...); err != nil {
		return nil, errors.Trace(err)
	}
	created := make([]interface{}, len(docs))
	for i, doc := range docs {
		created[i] = applyProjection(doc, projection)
	}
	if isSlice {
		return created, nil
	}
	return created[0], nil
}

// Find implements model.Model.
func (m *mongoModel) Find(_ context.Context, conditions params.Conditions, projection params.Projection, options *params.FindOptions) ([]interface{}, error) {
	query := m.collection.Find(bson.M(conditions))
	if len(projection) > 0 {
		query = query.Select(selectFields(projection))
	}
	if options != nil {
		if options.Skip > 0 {
			query = query.Skip(options.Skip)
		}
		if options.Limit > 0 {
			query = query.Limit(options.Limit)
		}
	}
	var docs []bson.M
	if err := query.All(&docs); err != nil {
		return nil, errors.Trace(err)
	}
	results := make([]interface{}, len(docs))
	for i, doc := range docs {
		results[i] = map[string]interface{}(doc)
	}
	return results, nil
}

// Update implements model.Model. With Multi set every matching document
// is updated and the match count is returned.
func (m *mongoModel) Update(_ context.Context, conditions params.Conditions, object interface{}, options model.UpdateOptions) (interface{}, error) {
	if !options.Multi {
		if err := m.collection.Update(bson.M(conditions), object); err != nil {
			return nil, errors.Trace(err)
		}
		return nil, nil
	}
	info, err := m.collection.UpdateAll(bson.M(conditions), object)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return map[string]interface{}{"matched": info.Matched, "updated": info.Updated}, nil
}

func asDocuments(object interface{}) ([]map[string]interface{}, bool) {
	switch object := object.(type) {
	case []interface{}:
		docs := make([]map[string]interface{}, 0, len(object))
		for _, item := range object {
			if doc, ok := item.(map[string]interface{}); ok {
				docs = append(docs, doc)
			}
		}
		return docs, true
	case map[string]interface{}:
		return []map[string]interface{}{object}, false
	case bson.M:
		return []map[string]interface{}{object}, false
	}
	return nil, false
}

func ensureID(doc map[string]interface{}) map[string]interface{} {
	if _, ok := doc["_id"]; ok {
		return doc
	}
	withID := make(map[string]interface{}, len(doc)+1)
	for k, v := range doc {
		withID[k] = v
	}
	withID["_id"] = bson.NewObjectId().Hex()
	return withID
}

// selectFields translates a wire projection into an mgo field selector,
// keeping _id unless explicitly excluded.
func selectFields(projection params.Projection) bson.M {
	selector := make(bson.M, len(projection))
	for field, include := range projection {
		selector[field] = include
	}
	return selector
}

// applyProjection shapes a created document the way a projected find
// would return it.
func applyProjection(doc map[string]interface{}, projection params.Projection) map[string]interface{} {
	if len(projection) == 0 {
		return doc
	}
	inclusive := false
	for _, include := range projection {
		if include != 0 {
			inclusive = true
		}
	}
	if !inclusive {
		projected := make(map[string]interface{}, len(doc))
		for field, value := range doc {
			if _, excluded := projection[field]; !excluded {
				projected[field] = value
			}
		}
		return projected
	}
	projected := make(map[string]interface{})
	for field, include := range projection {
		if include == 0 {
			continue
		}
		if value, ok := doc[field]; ok {
			projected[field] = value
		}
	}
	if _, excluded := projection["_id"]; !excluded {
		if id, ok := doc["_id"]; ok {
			projected["_id"] = id
		}
	}
	return projected
}
