// Package keepalive demotes unresponsive clients and validates inbound
// keepalive pings. A ping is advisory, not authoritative: any validation
// failure drops it silently and the sweep timeout disconnects the peer.
package keepalive

import (
	"context"
	"log"
	"sync"
	"time"

	"fleetwan/pkg/auth"
	"fleetwan/pkg/messaging"
	"fleetwan/pkg/store"
)

// Messenger is the session collaborator used for teardown.
type Messenger interface {
	SendToClient(olmID string, message interface{})
	DisconnectClient(olmID string)
}

// Dispatcher runs the notify-then-disconnect sequence off the sweep path.
type Dispatcher interface {
	Dispatch(name string, fn func() error)
}

// Sweeper periodically flips stale clients offline and tears down their
// sessions. Start and Stop are idempotent; one timer at most.
type Sweeper struct {
	store       store.Store
	msg         Messenger
	tasks       Dispatcher
	interval    time.Duration
	pingTimeout time.Duration
	grace       time.Duration

	guard func(fn func())

	mu      sync.Mutex
	started bool
	stop    chan struct{}
}

// SetGuard wraps each sweep in fn, e.g. a distributed lock so only one
// instance sweeps per tick.
func (s *Sweeper) SetGuard(guard func(fn func())) { s.guard = guard }

func NewSweeper(st store.Store, msg Messenger, tasks Dispatcher, interval, pingTimeout, grace time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if pingTimeout <= 0 {
		pingTimeout = 2 * time.Minute
	}
	if grace <= 0 {
		grace = time.Second
	}
	return &Sweeper{
		store:       st,
		msg:         msg,
		tasks:       tasks,
		interval:    interval,
		pingTimeout: pingTimeout,
		grace:       grace,
	}
}

// Start launches the sweep timer; a second call is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.stop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				if s.guard != nil {
					s.guard(s.Sweep)
				} else {
					s.Sweep()
				}
			}
		}
	}()
}

// Stop halts the timer; a second call is a no-op.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.started = false
	close(s.stop)
}

// Sweep flips every online client whose last ping is older than the timeout
// (or missing) and tears down their sessions. Re-running when nothing is
// stale finds nothing.
func (s *Sweeper) Sweep() {
	cutoff := time.Now().Add(-s.pingTimeout)
	stale, err := s.store.MarkStaleClientsOffline(cutoff)
	if err != nil {
		log.Printf("keepalive sweep failed: %v", err)
		return
	}
	for _, c := range stale {
		if c.OlmID == nil {
			// data-integrity warning, not retryable
			log.Printf("offline client %d has no olm identity; skipping teardown", c.ID)
			continue
		}
		olmID := *c.OlmID
		teardown := func() error {
			s.msg.SendToClient(olmID, messaging.Message{Type: "terminate"})
			time.Sleep(s.grace) // allow delivery before the hard close
			s.msg.DisconnectClient(olmID)
			return nil
		}
		if s.tasks != nil {
			s.tasks.Dispatch("teardown-"+olmID, teardown)
		} else {
			_ = teardown()
		}
	}
	if len(stale) > 0 {
		log.Printf("keepalive sweep: %d clients went offline", len(stale))
	}
}

// HandlePing drives the keepalive state machine for one inbound ping.
// User-owned clients re-validate the session token and org access on every
// ping, not just at connect time. Returns false (drop, no nack) on any
// validation failure.
func (s *Sweeper) HandlePing(msg messaging.Message) bool {
	olm, ok, err := s.store.GetOlm(msg.OlmID)
	if err != nil || !ok || olm.ClientID == nil {
		return false
	}
	client, ok, err := s.store.GetClient(*olm.ClientID)
	if err != nil || !ok {
		return false
	}
	if client.UserID != nil {
		claims, err := auth.Parse(msg.Token)
		if err != nil || claims.UserID != *client.UserID {
			return false
		}
		user, ok, err := s.store.GetUser(claims.UserID)
		if err != nil || !ok || user.SessionVersion != claims.SessionVersion {
			return false
		}
		if _, ok, err := s.store.GetOrgUser(client.OrgID, user.ID); err != nil || !ok {
			return false
		}
	}
	if err := s.store.UpdateClientPing(client.ID, time.Now()); err != nil {
		log.Printf("ping update for client %d failed: %v", client.ID, err)
		return false
	}
	return true
}
