// Copyright 2017 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package provider

import (
	"github.com/GeorgeSapkin/pubsub-store/params"
	"github.com/GeorgeSapkin/pubsub-store/schema"
)

// defaultConditions returns the filter merged into every caller-visible
// count/find/update dispatch. On schemas with deleted metadata it
// excludes tombstoned documents; otherwise it is empty.
func defaultConditions(s *schema.Schema) params.Conditions {
	if !s.HasDeletedMetadata() {
		return params.Conditions{}
	}
	return params.Conditions{
		"$or": []interface{}{
			map[string]interface{}{"metadata": map[string]interface{}{"$eq": nil}},
			map[string]interface{}{"metadata.deleted": map[string]interface{}{"$eq": nil}},
			map[string]interface{}{"metadata.deleted": map[string]interface{}{"$exists": false}},
		},
	}
}

// mergeConditions unions two condition sets field by field, with the
// override's keys winning. A fresh map is returned so neither input is
// aliased.
func mergeConditions(conditions, overrides params.Conditions) params.Conditions {
	merged := make(params.Conditions, len(conditions)+len(overrides))
	for key, value := range conditions {
		merged[key] = value
	}
	for key, value := range overrides {
		merged[key] = value
	}
	return merged
}

func mergeObjects(object, overrides map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(object)+len(overrides))
	for key, value := range object {
		merged[key] = value
	}
	for key, value := range overrides {
		merged[key] = value
	}
	return merged
}
