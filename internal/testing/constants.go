// Copyright 2017 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package testing holds constants shared by the test suites.
package testing

import (
	"time"
)

const (
	// LongWait is used when waiting for something that is expected to
	// happen; failing to see it within LongWait is a test failure.
	LongWait = 10 * time.Second

	// ShortWait is a reasonable amount of time to watch for something
	// that is expected not to happen.
	ShortWait = 50 * time.Millisecond
)
