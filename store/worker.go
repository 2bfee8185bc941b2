// Copyright 2018 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package store

import (
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"
)

// NewWorker opens the store and keeps it open until the worker is
// killed. Process wiring (signals, dependency engines) stays with the
// embedder.
func NewWorker(store *Store) (worker.Worker, error) {
	if store == nil {
		return nil, errors.NotValidf("nil store")
	}
	w := &storeWorker{store: store}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

type storeWorker struct {
	catacomb catacomb.Catacomb
	store    *Store
}

func (w *storeWorker) loop() error {
	if err := w.store.Open(); err != nil {
		return errors.Trace(err)
	}
	defer func() { _ = w.store.Close() }()
	<-w.catacomb.Dying()
	return w.catacomb.ErrDying()
}

// Kill implements worker.Worker.
func (w *storeWorker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait implements worker.Worker.
func (w *storeWorker) Wait() error {
	return w.catacomb.Wait()
}
