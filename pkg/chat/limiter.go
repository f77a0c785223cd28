// walletbridge - A native wallet and chat engine bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package chat

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// sendLimiter applies a token bucket per receiver and evicts idle entries.
type sendLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	lock  sync.Mutex
	byKey map[string]*limiterEntry
	hits  uint64
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newSendLimiter returns nil (no limiting) when rps or burst is not positive.
func newSendLimiter(rps float64, burst int) *sendLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	return &sendLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: 10 * time.Minute,
		byKey:   make(map[string]*limiterEntry),
	}
}

func (l *sendLimiter) allow(key string, now time.Time) bool {
	if l == nil || key == "" {
		return true
	}
	l.lock.Lock()
	defer l.lock.Unlock()

	e, ok := l.byKey[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byKey[key] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%256 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.byKey {
			if v.lastSeen.Before(cutoff) {
				delete(l.byKey, k)
			}
		}
	}
	return allowed
}
