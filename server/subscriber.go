// Copyright 2026 The Fightclaw Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"sync"

	"go.uber.org/atomic"
)

// Subscription is a single-pass, pull-based stream of match events for one
// live consumer. The owning match actor is the only writer. A subscription
// that falls behind by more than its backlog is closed with the dropped flag
// set; the consumer may re-subscribe for a fresh snapshot but missed events
// are only available from the durable log.
type Subscription struct {
	// AgentID is the authenticated subscriber, empty for spectators.
	AgentID string

	ch        chan *Envelope
	closeOnce sync.Once
	dropped   *atomic.Bool
}

func newSubscription(agentID string, backlog int) *Subscription {
	return &Subscription{
		AgentID: agentID,
		ch:      make(chan *Envelope, backlog),
		dropped: atomic.NewBool(false),
	}
}

// Next blocks until an event is available, the stream ends, or ctx is done.
// A nil envelope with a nil error marks the end of the stream.
func (s *Subscription) Next(ctx context.Context) (*Envelope, error) {
	select {
	case env, ok := <-s.ch:
		if !ok {
			return nil, nil
		}
		return env, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dropped reports whether the stream was closed because the subscriber could
// not keep up.
func (s *Subscription) Dropped() bool {
	return s.dropped.Load()
}

// publish is called only from the actor goroutine. It never blocks: a full
// backlog marks the subscription dropped and reports failure so the actor can
// discard it.
func (s *Subscription) publish(env *Envelope) bool {
	select {
	case s.ch <- env:
		return true
	default:
		s.dropped.Store(true)
		s.close()
		return false
	}
}

// close is called only from the actor goroutine, so it can never race a
// concurrent publish.
func (s *Subscription) close() {
	s.closeOnce.Do(func() {
		close(s.ch)
	})
}
