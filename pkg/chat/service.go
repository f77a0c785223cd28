// walletbridge - A native wallet and chat engine bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package chat

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lrhodin/walletbridge/pkg/metrics"
)

// FetchLimit is the page size used when pulling a conversation.
const FetchLimit = 1000

var ErrRateLimited = errors.New("too many messages to this contact, try again shortly")

// Backend is the part of the chat manager the projection depends on.
type Backend interface {
	FetchMessages(address string, limit, page int32) ([]Message, error)
	Send(body, receiver string, metadata ...Metadata) error
}

// Update is published to subscribers whenever the cache changes.
type Update struct {
	Address string
	Recent  []Message
}

type ServiceOptions struct {
	Store   *Store
	Metrics *metrics.Metrics
	Clock   clock.Clock
	// SendRate and SendBurst bound sends per receiver. Zero disables the limit.
	SendRate  float64
	SendBurst int
	// RefreshConcurrency caps parallel fetches in Refresh.
	RefreshConcurrency int
}

// MessagesService keeps an address-keyed cache of conversations fetched from
// the chat session and derives the most recent message per contact.
//
// The cache is only mutated by Fetch. Fetches for the same address are
// serialized; different addresses may be fetched concurrently. Sending never
// touches the cache directly: it is followed by a full re-fetch.
type MessagesService struct {
	backend Backend
	log     zerolog.Logger
	opts    ServiceOptions
	limiter *sendLimiter

	lock     sync.RWMutex
	messages map[string][]Message
	order    []string
	tracked  map[string]struct{}
	recent   []Message

	fetchLocksLock sync.Mutex
	fetchLocks     map[string]*fetchLock

	subsLock sync.Mutex
	subs     map[int]chan Update
	nextSub  int
}

func NewMessagesService(backend Backend, log zerolog.Logger, opts ServiceOptions) *MessagesService {
	if opts.Clock == nil {
		opts.Clock = clock.NewDefaultClock()
	}
	if opts.RefreshConcurrency <= 0 {
		opts.RefreshConcurrency = 4
	}
	return &MessagesService{
		backend:    backend,
		log:        log.With().Str("component", "chat_messages").Logger(),
		opts:       opts,
		limiter:    newSendLimiter(opts.SendRate, opts.SendBurst),
		messages:   make(map[string][]Message),
		tracked:    make(map[string]struct{}),
		fetchLocks: make(map[string]*fetchLock),
		subs:       make(map[int]chan Update),
	}
}

// canonicalKey is the cache key for an address: lowercase hex without a 0x
// prefix, which is also the form the engine reports on messages.
func canonicalKey(address string) string {
	address = strings.ToLower(strings.TrimSpace(address))
	return strings.TrimPrefix(address, "0x")
}

type fetchLock struct {
	sync.Mutex
	refs int
}

// lockAddress serializes fetches for key. The entry is dropped once no fetch
// holds or waits for it.
func (s *MessagesService) lockAddress(key string) (unlock func()) {
	s.fetchLocksLock.Lock()
	l, ok := s.fetchLocks[key]
	if !ok {
		l = &fetchLock{}
		s.fetchLocks[key] = l
	}
	l.refs++
	s.fetchLocksLock.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		s.fetchLocksLock.Lock()
		defer s.fetchLocksLock.Unlock()
		l.refs--
		if l.refs == 0 {
			delete(s.fetchLocks, key)
		}
	}
}

// Track adds addresses to the set refreshed by Refresh.
func (s *MessagesService) Track(addresses ...string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, addr := range addresses {
		if key := canonicalKey(addr); key != "" {
			s.tracked[key] = struct{}{}
		}
	}
}

// LoadCached seeds the cache from the persistent store, if one is configured.
func (s *MessagesService) LoadCached(ctx context.Context) error {
	if s.opts.Store == nil {
		return nil
	}
	cached, order, err := s.opts.Store.LoadAll(ctx)
	if err != nil {
		return err
	}
	s.lock.Lock()
	for _, key := range order {
		if _, ok := s.messages[key]; !ok {
			s.order = append(s.order, key)
		}
		s.messages[key] = cached[key]
		s.tracked[key] = struct{}{}
	}
	s.recent = recentPerContact(s.messages, s.order)
	size := s.cacheSizeLocked()
	s.publish(Update{Recent: s.recent})
	s.lock.Unlock()
	s.opts.Metrics.ChatCacheSize(size)
	s.log.Info().Int("addresses", len(order)).Msg("Loaded cached conversations")
	return nil
}

// Fetch pulls the conversation with address from the chat session and
// replaces the cached copy.
func (s *MessagesService) Fetch(ctx context.Context, address string) ([]Message, error) {
	key := canonicalKey(address)
	defer s.lockAddress(key)()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msgs, err := s.backend.FetchMessages(key, FetchLimit, 0)
	s.opts.Metrics.ChatFetched(err)
	if err != nil {
		return nil, err
	}
	// chronological, keeping the engine's order for equal timestamps
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp < msgs[j].Timestamp
	})
	storedAt := s.opts.Clock.Now()
	for i := range msgs {
		msgs[i].StoredAt = storedAt
	}

	if s.opts.Store != nil {
		if err := s.opts.Store.Replace(ctx, key, msgs); err != nil {
			s.log.Warn().Err(err).Str("address", key).Msg("Failed to persist fetched messages")
		}
	}

	s.lock.Lock()
	if _, ok := s.messages[key]; !ok {
		s.order = append(s.order, key)
	}
	s.messages[key] = msgs
	s.tracked[key] = struct{}{}
	s.recent = recentPerContact(s.messages, s.order)
	size := s.cacheSizeLocked()
	s.publish(Update{Address: key, Recent: s.recent})
	s.lock.Unlock()

	s.opts.Metrics.ChatCacheSize(size)
	return append([]Message(nil), msgs...), nil
}

// Refresh re-fetches every tracked address.
func (s *MessagesService) Refresh(ctx context.Context) error {
	s.lock.RLock()
	keys := make([]string, 0, len(s.tracked))
	for key := range s.tracked {
		keys = append(keys, key)
	}
	s.lock.RUnlock()
	sort.Strings(keys)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(s.opts.RefreshConcurrency)
	for _, key := range keys {
		eg.Go(func() error {
			_, err := s.Fetch(egCtx, key)
			return err
		})
	}
	return eg.Wait()
}

// Send hands the message to the chat session and then re-fetches the
// conversation so the cache reflects what the engine stored.
func (s *MessagesService) Send(ctx context.Context, body, receiver string, metadata ...Metadata) error {
	key := canonicalKey(receiver)
	if !s.limiter.allow(key, s.opts.Clock.Now()) {
		return ErrRateLimited
	}
	if err := s.backend.Send(body, key, metadata...); err != nil {
		return err
	}
	_, err := s.Fetch(ctx, key)
	return err
}

// HandleIncoming reacts to a message pushed by the engine. The push is only
// a hint: the conversation is re-fetched rather than merged.
func (s *MessagesService) HandleIncoming(ctx context.Context, msg Message) {
	go func() {
		if _, err := s.Fetch(ctx, msg.Address); err != nil {
			s.log.Warn().Err(err).Str("address", msg.Address).Msg("Failed to refresh conversation after incoming message")
		}
	}()
}

// Messages returns the cached conversation with address.
func (s *MessagesService) Messages(address string) []Message {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return append([]Message(nil), s.messages[canonicalKey(address)]...)
}

// Addresses returns cached addresses in the order they were first cached.
func (s *MessagesService) Addresses() []string {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return append([]string(nil), s.order...)
}

// RecentPerContact returns the latest message of every cached conversation,
// newest first.
func (s *MessagesService) RecentPerContact() []Message {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return append([]Message(nil), s.recent...)
}

func (s *MessagesService) cacheSizeLocked() int {
	n := 0
	for _, msgs := range s.messages {
		n += len(msgs)
	}
	return n
}

// Subscribe returns a channel receiving the latest update. Slow readers only
// miss intermediate updates, never the most recent one.
func (s *MessagesService) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, 1)
	s.subsLock.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subsLock.Unlock()
	return ch, func() {
		s.subsLock.Lock()
		defer s.subsLock.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
}

// publish is called with s.lock held so updates reach subscribers in the
// order the cache changed.
func (s *MessagesService) publish(update Update) {
	s.subsLock.Lock()
	defer s.subsLock.Unlock()
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- update
	}
}

// recentPerContact picks, for every address in order, the message with the
// largest timestamp (the later one on ties) and sorts the result newest
// first. Addresses cached earlier come first on equal timestamps.
func recentPerContact(messages map[string][]Message, order []string) []Message {
	recent := make([]Message, 0, len(order))
	for _, key := range order {
		msgs := messages[key]
		if len(msgs) == 0 {
			continue
		}
		best := 0
		for i := 1; i < len(msgs); i++ {
			if msgs[i].Timestamp >= msgs[best].Timestamp {
				best = i
			}
		}
		recent = append(recent, msgs[best])
	}
	sort.SliceStable(recent, func(i, j int) bool {
		return recent[i].Timestamp > recent[j].Timestamp
	})
	return recent
}
