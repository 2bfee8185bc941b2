// Copyright 2017 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package params holds the wire types exchanged between providers and
// stores. Field order in the request records is significant: it fixes the
// key order of the JSON payloads on the bus.
package params

import (
	"encoding/json"

	"github.com/juju/errors"
)

// Conditions is a query filter in the backend's expression dialect. The
// dialect itself is opaque to this layer; conditions pass through verbatim.
type Conditions map[string]interface{}

// Projection restricts the fields returned for matched documents.
type Projection map[string]int

// FindOptions carries paging controls for a find request.
type FindOptions struct {
	Limit int `json:"limit,omitempty"`
	Skip  int `json:"skip,omitempty"`
}

// CountRequest asks for the number of documents matching Conditions.
type CountRequest struct {
	Conditions Conditions `json:"conditions"`
}

// CreateRequest asks for Object to be created. Object may be a single
// document or a slice of documents.
type CreateRequest struct {
	Object     interface{} `json:"object"`
	Projection Projection  `json:"projection,omitempty"`
}

// FindRequest asks for the documents matching Conditions.
type FindRequest struct {
	Conditions Conditions   `json:"conditions"`
	Projection Projection   `json:"projection,omitempty"`
	Options    *FindOptions `json:"options,omitempty"`
}

// UpdateRequest asks for the documents matching Conditions to be updated
// with Object.
type UpdateRequest struct {
	Conditions Conditions  `json:"conditions"`
	Object     interface{} `json:"object"`
	Projection Projection  `json:"projection,omitempty"`
}

// Error is the wire form of a store-side failure. Only the message
// survives the trip.
type Error struct {
	Message string `json:"message"`
}

// Error implements error.
func (e *Error) Error() string {
	return e.Message
}

// Response is the envelope wrapped around every reply. Exactly one of
// Result and Error is present.
type Response struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

type resultEnvelope struct {
	Result interface{} `json:"result"`
}

type errorEnvelope struct {
	Error Error `json:"error"`
}

// MarshalResult wraps v in a {result} envelope.
func MarshalResult(v interface{}) ([]byte, error) {
	data, err := json.Marshal(resultEnvelope{Result: v})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return data, nil
}

// MarshalError wraps err in an {error:{message}} envelope. Marshalling a
// plain string cannot fail, so no error is returned.
func MarshalError(err error) []byte {
	data, _ := json.Marshal(errorEnvelope{Error: Error{Message: err.Error()}})
	return data
}

// UnmarshalResponse decodes a reply envelope. A wire-delivered error is
// returned as *Error; anything unparseable is a decode error.
func UnmarshalResponse(data []byte) (json.RawMessage, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, errors.Annotate(err, "cannot decode response")
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}
