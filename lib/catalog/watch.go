// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package catalog

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
)

// A Resolver resolves (image, domain) pairs.
type Resolver interface {
	Resolve(image, domain string) (Resolution, error)
}

// Watcher is a Resolver backed by a catalog file. It reloads the file
// when it changes, and caches successful resolutions until the next
// reload.
type Watcher struct {
	path   string
	logger logrus.FieldLogger

	mtx     sync.RWMutex
	current *Catalog
	cache   *lru.TwoQueueCache // nil if caching is disabled

	fsw     *fsnotify.Watcher
	stopped chan struct{}
}

type cacheKey struct{ image, domain string }

// NewWatcher loads the catalog at path. If cacheSize > 0, up to that
// many resolutions are cached.
func NewWatcher(logger logrus.FieldLogger, path string, cacheSize int) (*Watcher, error) {
	cat, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		path:    path,
		logger:  logger.WithField("Catalog", path),
		current: cat,
	}
	if cacheSize > 0 {
		w.cache, err = lru.New2Q(cacheSize)
		if err != nil {
			return nil, err
		}
	}
	return w, nil
}

// Resolve implements Resolver.
func (w *Watcher) Resolve(image, domain string) (Resolution, error) {
	key := cacheKey{image, domain}
	w.mtx.RLock()
	defer w.mtx.RUnlock()
	if w.cache != nil {
		if res, ok := w.cache.Get(key); ok {
			return res.(Resolution), nil
		}
	}
	res, err := w.current.Resolve(image, domain)
	if err == nil && w.cache != nil {
		w.cache.Add(key, res)
	}
	return res, err
}

// Reload re-reads the catalog file. If the file cannot be loaded,
// the previous catalog stays in effect and the error is returned.
func (w *Watcher) Reload() error {
	cat, err := LoadFile(w.path)
	if err != nil {
		return err
	}
	w.mtx.Lock()
	defer w.mtx.Unlock()
	w.current = cat
	w.invalidate()
	return nil
}

// Invalidate drops all cached resolutions.
func (w *Watcher) Invalidate() {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	w.invalidate()
}

// Caller must have lock.
func (w *Watcher) invalidate() {
	if w.cache != nil {
		w.cache.Purge()
	}
}

// Start watching the catalog file for changes. Start returns once the
// watch is established.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	err = fsw.Add(w.path)
	if err != nil {
		fsw.Close()
		return err
	}
	w.fsw = fsw
	w.stopped = make(chan struct{})
	go w.run()
	return nil
}

func (w *Watcher) run() {
	defer close(w.stopped)
	for {
		select {
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("catalog file watcher error")
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			for len(w.fsw.Events) > 0 {
				<-w.fsw.Events
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				// Editors often replace the file; watch
				// the new one.
				w.fsw.Remove(w.path)
				if err := w.fsw.Add(w.path); err != nil {
					w.logger.WithError(err).Warn("cannot re-add catalog file watch")
				}
			}
			if err := w.Reload(); err != nil {
				w.logger.WithError(err).Error("catalog reload failed, keeping previous catalog")
			} else {
				w.logger.Info("catalog reloaded")
			}
		}
	}
}

// Stop watching. Stop may be called even if Start was not.
func (w *Watcher) Stop() {
	if w.fsw == nil {
		return
	}
	w.fsw.Close()
	<-w.stopped
}
