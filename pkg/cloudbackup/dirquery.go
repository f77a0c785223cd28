// walletbridge - A native wallet and chat engine bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package cloudbackup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

var ErrQueryRunning = errors.New("metadata query already running")

const placeholderSuffix = ".icloud"

// DirectoryQuery is a MetadataQuery over a locally synced cloud drive
// directory. Items that are still in the cloud show up as ".<name>.icloud"
// placeholders and are reported as not downloaded; regular files are
// reported as current.
type DirectoryQuery struct {
	dir string
	log zerolog.Logger

	lock    sync.Mutex
	items   []Item
	running *queryRun
}

type queryRun struct {
	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
}

func NewDirectoryQuery(dir string, log zerolog.Logger) *DirectoryQuery {
	return &DirectoryQuery{
		dir: dir,
		log: log.With().Str("component", "directory_query").Str("dir", dir).Logger(),
	}
}

func (q *DirectoryQuery) Start(handler func(Event)) error {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.running != nil {
		return ErrQueryRunning
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err = watcher.Add(q.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", q.dir, err)
	}
	run := &queryRun{watcher: watcher, done: make(chan struct{})}
	q.running = run
	q.items = nil
	go q.loop(run, handler)
	return nil
}

// Stop ends the running query. It does not wait for the event loop, so it
// is safe to call from the handler.
func (q *DirectoryQuery) Stop() {
	q.lock.Lock()
	run := q.running
	q.running = nil
	q.lock.Unlock()
	if run == nil {
		return
	}
	run.stopOnce.Do(func() {
		close(run.done)
		if err := run.watcher.Close(); err != nil {
			q.log.Warn().Err(err).Msg("Failed to close watcher")
		}
	})
}

func (q *DirectoryQuery) Results() []Item {
	q.lock.Lock()
	defer q.lock.Unlock()
	return append([]Item(nil), q.items...)
}

func (run *queryRun) stopped() bool {
	select {
	case <-run.done:
		return true
	default:
		return false
	}
}

func (q *DirectoryQuery) emit(run *queryRun, handler func(Event), kind EventKind) {
	if run.stopped() {
		return
	}
	handler(Event{Kind: kind})
}

func (q *DirectoryQuery) rescan() {
	items, err := scanDirectory(q.dir)
	if err != nil {
		q.log.Warn().Err(err).Msg("Failed to scan directory")
		return
	}
	q.lock.Lock()
	q.items = items
	q.lock.Unlock()
}

func (q *DirectoryQuery) loop(run *queryRun, handler func(Event)) {
	q.emit(run, handler, EventDidStartGathering)
	q.rescan()
	q.emit(run, handler, EventGatheringProgress)
	for {
		select {
		case <-run.done:
			return
		case ev, ok := <-run.watcher.Events:
			if !ok {
				return
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}
			q.log.Trace().Str("file", ev.Name).Stringer("op", ev.Op).Msg("Directory changed")
			q.rescan()
			q.emit(run, handler, EventDidUpdate)
		case err, ok := <-run.watcher.Errors:
			if !ok {
				return
			}
			q.log.Warn().Err(err).Msg("Watcher error")
		}
	}
}

// scanDirectory lists the items of dir sorted by name. A materialized file
// hides its placeholder.
func scanDirectory(dir string) ([]Item, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]Item)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, ".") && strings.HasSuffix(name, placeholderSuffix) {
			original := strings.TrimSuffix(strings.TrimPrefix(name, "."), placeholderSuffix)
			if original == "" {
				continue
			}
			if _, ok := byName[original]; !ok {
				byName[original] = Item{URL: filepath.Join(dir, original), Status: StatusNotDownloaded}
			}
			continue
		} else if strings.HasPrefix(name, ".") {
			continue
		}
		byName[name] = Item{URL: filepath.Join(dir, name), Status: StatusCurrent}
	}
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	items := make([]Item, len(names))
	for i, name := range names {
		items[i] = byName[name]
	}
	return items, nil
}
