// walletbridge - A native wallet and chat engine bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package cloudbackup

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lrhodin/walletbridge/pkg/gate"
	"github.com/lrhodin/walletbridge/pkg/metrics"
)

type EventKind int

const (
	EventDidStartGathering EventKind = iota
	EventGatheringProgress
	EventDidUpdate
)

func (k EventKind) String() string {
	switch k {
	case EventDidStartGathering:
		return "did-start-gathering"
	case EventGatheringProgress:
		return "gathering-progress"
	case EventDidUpdate:
		return "did-update"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

type Event struct {
	Kind EventKind
}

// DownloadStatus is the cloud drive's download state of an item. Only
// StatusCurrent means the local copy is complete.
type DownloadStatus string

const (
	StatusNotDownloaded DownloadStatus = "not-downloaded"
	StatusDownloaded    DownloadStatus = "downloaded"
	StatusCurrent       DownloadStatus = "current"
)

type Item struct {
	URL    string
	Status DownloadStatus
}

// Name is the last path component of the item's URL.
func (i Item) Name() string {
	if strings.Contains(i.URL, "://") {
		return path.Base(i.URL)
	}
	return filepath.Base(i.URL)
}

// MetadataQuery is a live query over a cloud drive. Start registers handler
// for every notification until Stop is called. Stop must be safe to call
// from inside handler and more than once.
type MetadataQuery interface {
	Start(handler func(Event)) error
	Stop()
	Results() []Item
}

// Downloader asks the cloud drive to materialize an item locally.
type Downloader interface {
	StartDownloading(ctx context.Context, url string) error
}

type MatchState int

const (
	MatchNotRequested MatchState = iota
	MatchRequested
	MatchCurrent
)

func (s MatchState) String() string {
	switch s {
	case MatchRequested:
		return "requested"
	case MatchCurrent:
		return "current"
	default:
		return "not-requested"
	}
}

type Match struct {
	Identifier string
	URL        string
	State      MatchState
}

// PollError is a failed download request. The downloader's error is kept
// intact for the caller.
type PollError struct {
	URL string
	Err error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("failed to request download of %s: %v", e.URL, e.Err)
}

func (e *PollError) Unwrap() error {
	return e.Err
}

// Poller waits for the newest backup matching a filename prefix to be fully
// downloaded, requesting the download along the way.
type Poller struct {
	prefix     string
	query      MetadataQuery
	downloader Downloader
	log        zerolog.Logger
	metrics    *metrics.Metrics

	runLock sync.Mutex
}

func NewPoller(prefix string, query MetadataQuery, downloader Downloader, log zerolog.Logger, m *metrics.Metrics) *Poller {
	return &Poller{
		prefix:     prefix,
		query:      query,
		downloader: downloader,
		log:        log.With().Str("component", "backup_poller").Str("prefix", prefix).Logger(),
		metrics:    m,
	}
}

type pollSession struct {
	poller *Poller
	ctx    context.Context
	gate   *gate.Gate[Match]

	lock      sync.Mutex
	stopped   bool
	requested map[string]bool
}

// Download starts the query and blocks until the matched backup is current,
// a download request fails or ctx is done. Calls on one Poller are
// serialized.
func (p *Poller) Download(ctx context.Context) (Match, error) {
	p.runLock.Lock()
	defer p.runLock.Unlock()

	g := gate.Begin(func(g *gate.Gate[Match]) (func(), error) {
		s := &pollSession{
			poller:    p,
			ctx:       ctx,
			gate:      g,
			requested: make(map[string]bool),
		}
		if err := p.query.Start(s.handle); err != nil {
			return nil, fmt.Errorf("failed to start metadata query: %w", err)
		}
		p.log.Debug().Msg("Listening for backup updates")
		return p.query.Stop, nil
	})
	defer g.Abandon()
	return g.Wait(ctx)
}

func (s *pollSession) handle(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.poller.log.Error().Any("panic", r).Stringer("event", ev.Kind).Msg("Metadata handler panicked")
			s.finishFailure(fmt.Errorf("metadata handler panicked: %v", r))
		}
	}()
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.stopped {
		return
	}
	s.matchLocked(ev)
}

func (s *pollSession) finishFailure(err error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.poller.query.Stop()
	s.gate.Fail(err)
}

func (s *pollSession) matchLocked(ev Event) {
	p := s.poller
	var match *Item
	items := p.query.Results()
	for i := range items {
		if strings.HasPrefix(items[i].Name(), p.prefix) {
			match = &items[i]
		}
	}
	if match == nil {
		return
	}
	log := p.log.With().Str("url", match.URL).Stringer("event", ev.Kind).Logger()

	if !s.requested[match.URL] {
		s.requested[match.URL] = true
		log.Info().Msg("Requesting backup download")
		err := p.downloader.StartDownloading(s.ctx, match.URL)
		p.metrics.DownloadRequested(err)
		if err != nil {
			log.Err(err).Msg("Backup download request failed")
			s.stopped = true
			p.query.Stop()
			s.gate.Fail(&PollError{URL: match.URL, Err: err})
			return
		}
	}

	if match.Status != StatusCurrent {
		log.Debug().Str("status", string(match.Status)).Msg("Backup not downloaded yet")
		return
	}
	s.stopped = true
	p.query.Stop()
	log.Info().Msg("Backup downloaded")
	s.gate.Resolve(Match{
		Identifier: match.Name(),
		URL:        match.URL,
		State:      MatchCurrent,
	})
}
