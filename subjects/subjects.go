// Copyright 2017 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package subjects derives the bus subjects a provider and store agree on
// for a given schema. Both sides build the same tuple from the same name
// and options, so they agree on wire subjects by construction.
package subjects

import (
	"strings"
)

// Prefixes names the first subject token of each request group.
type Prefixes struct {
	Count  string
	Create string
	Find   string
	Update string
}

// DefaultPrefixes are used for any prefix left empty.
var DefaultPrefixes = Prefixes{
	Count:  "count",
	Create: "create",
	Find:   "find",
	Update: "update",
}

// Options controls subject construction. A non-empty Suffix is appended
// as a trailing token, which lets several stores share one bus.
type Options struct {
	Prefixes Prefixes
	Suffix   string
}

// Pair is one group's subjects: Base is used for request/reply, and both
// are used for store and event subscriptions.
type Pair struct {
	Base     string
	Wildcard string
}

// Subjects is the full per-schema subject tuple.
type Subjects struct {
	Count  Pair
	Create Pair
	Find   Pair
	Update Pair
}

func pair(prefix, name, suffix string) Pair {
	base := prefix + "." + name
	if suffix != "" {
		base += "." + suffix
	}
	return Pair{Base: base, Wildcard: base + ".>"}
}

// Build returns the subject tuple for the named schema. The name segment
// is always lowercased.
func Build(name string, opts Options) Subjects {
	p := opts.Prefixes
	if p.Count == "" {
		p.Count = DefaultPrefixes.Count
	}
	if p.Create == "" {
		p.Create = DefaultPrefixes.Create
	}
	if p.Find == "" {
		p.Find = DefaultPrefixes.Find
	}
	if p.Update == "" {
		p.Update = DefaultPrefixes.Update
	}
	name = strings.ToLower(name)
	return Subjects{
		Count:  pair(p.Count, name, opts.Suffix),
		Create: pair(p.Create, name, opts.Suffix),
		Find:   pair(p.Find, name, opts.Suffix),
		Update: pair(p.Update, name, opts.Suffix),
	}
}
