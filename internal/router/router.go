// Package router implements the in-memory channel → members topology
// and the core voice datagram fan-out operation.
//
// Grounded on room.go's Broadcast: snapshot the target set under an
// RLock, release the lock before doing any I/O, then fan out to each
// target using a per-receiver circuit breaker so one slow peer never
// blocks the sender (head-of-line isolation). Generalized here to
// drive a bounded per-receiver queue (spec §4.5) rather than calling
// SendDatagram synchronously, and to enforce a talker cap via a
// talking-window admission check.
package router

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Receiver is the narrow interface a receiving session exposes to the
// router. Implemented by *session.Session.
type Receiver interface {
	SendDatagram(data []byte) error
	Deafened() bool
}

// member is the router's bookkeeping for one session occupying a
// channel.
type member struct {
	id       string
	receiver Receiver

	queue chan []byte
	drops atomic.Uint64

	lastSpokeAt atomic.Int64 // UnixNano; zero means "never"
}

func (m *member) isTalking(window time.Duration, now time.Time) bool {
	last := m.lastSpokeAt.Load()
	if last == 0 {
		return false
	}
	return now.Sub(time.Unix(0, last)) < window
}

// Channel holds the live membership of one channel.
type Channel struct {
	mu         sync.RWMutex
	members    map[string]*member
	maxTalkers int // 0: unlimited
}

// Router is the in-memory channel → members topology.
type Router struct {
	mu       sync.RWMutex
	channels map[string]*Channel

	queueDepth     int
	talkWindow     time.Duration
	defaultTalkCap int

	droppedDatagrams atomic.Uint64
	forwardedFrames  atomic.Uint64
}

// Option configures a Router at construction time.
type Option func(*Router)

// WithTalkWindow overrides the default 400 ms talking window.
func WithTalkWindow(d time.Duration) Option {
	return func(r *Router) { r.talkWindow = d }
}

// New constructs a Router with the given bounded per-receiver queue
// depth (spec default 64) and default per-channel talker cap (0:
// unlimited unless a channel overrides it).
func New(queueDepth, defaultTalkCap int, opts ...Option) *Router {
	r := &Router{
		channels:       make(map[string]*Channel),
		queueDepth:     queueDepth,
		talkWindow:     400 * time.Millisecond,
		defaultTalkCap: defaultTalkCap,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Router) channelFor(channelID string, createIfMissing bool) *Channel {
	r.mu.RLock()
	ch, ok := r.channels[channelID]
	r.mu.RUnlock()
	if ok {
		return ch
	}
	if !createIfMissing {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.channels[channelID]; ok {
		return ch
	}
	ch = &Channel{members: make(map[string]*member), maxTalkers: r.defaultTalkCap}
	r.channels[channelID] = ch
	return ch
}

// SetMaxTalkers overrides a channel's talker cap (0: unlimited).
func (r *Router) SetMaxTalkers(channelID string, max int) {
	ch := r.channelFor(channelID, true)
	ch.mu.Lock()
	ch.maxTalkers = max
	ch.mu.Unlock()
}

// Join adds sessionID to channelID's membership, giving it a bounded
// outbound queue. A background drainer (StartDrainer) must be running
// per member to actually deliver queued frames to receiver.
func (r *Router) Join(channelID, sessionID string, receiver Receiver) {
	ch := r.channelFor(channelID, true)
	m := &member{id: sessionID, receiver: receiver, queue: make(chan []byte, r.queueDepth)}
	ch.mu.Lock()
	ch.members[sessionID] = m
	ch.mu.Unlock()
}

// Leave removes sessionID from channelID's membership. Idempotent.
func (r *Router) Leave(channelID, sessionID string) {
	ch := r.channelFor(channelID, false)
	if ch == nil {
		return
	}
	ch.mu.Lock()
	if m, ok := ch.members[sessionID]; ok {
		close(m.queue)
		delete(ch.members, sessionID)
	}
	ch.mu.Unlock()
}

// Move relocates sessionID from one channel's membership set to
// another's, matching the session.ChannelMoveFunc contract. It is a
// Leave followed by a Join, each under its own channel lock, so the
// move is not atomic: a Forward running between the two steps sees
// the session in neither channel.
func (r *Router) Move(sessionID, fromChannelID, toChannelID string, receiver Receiver) {
	if fromChannelID != "" {
		r.Leave(fromChannelID, sessionID)
	}
	if toChannelID != "" {
		r.Join(toChannelID, sessionID, receiver)
	}
}

// ForwardDecision explains why Forward did or did not fan a datagram
// out, for callers that want to increment metrics or log.
type ForwardDecision struct {
	Delivered int
	Dropped   int
	// TalkerCapped is true if the sender's datagram was dropped solely
	// because the channel's talker cap was exceeded.
	TalkerCapped bool
}

// Forward is the core operation: fan senderID's datagram out to every
// other non-deafened member of channelID. Callers (internal/gateway)
// are responsible for the capability/mute checks in spec §4.5 step 1
// — Forward assumes the sender is already authorized to speak and
// focuses purely on admission (talker cap) and fan-out.
func (r *Router) Forward(channelID, senderID string, datagram []byte) ForwardDecision {
	ch := r.channelFor(channelID, false)
	if ch == nil {
		return ForwardDecision{}
	}

	now := time.Now()

	ch.mu.RLock()
	sender, senderPresent := ch.members[senderID]
	maxTalkers := ch.maxTalkers
	targets := make([]*member, 0, len(ch.members))
	talkerCount := 0
	senderAlreadyTalking := senderPresent && sender.isTalking(r.talkWindow, now)
	for id, m := range ch.members {
		if id == senderID {
			continue
		}
		targets = append(targets, m)
		if m.isTalking(r.talkWindow, now) {
			talkerCount++
		}
	}
	ch.mu.RUnlock()

	if !senderAlreadyTalking && maxTalkers > 0 && talkerCount >= maxTalkers {
		r.droppedDatagrams.Add(1)
		return ForwardDecision{TalkerCapped: true, Dropped: len(targets)}
	}

	if senderPresent {
		sender.lastSpokeAt.Store(now.UnixNano())
	}

	var decision ForwardDecision
	for _, m := range targets {
		if m.receiver.Deafened() {
			continue
		}
		select {
		case m.queue <- datagram:
			decision.Delivered++
		default:
			m.drops.Add(1)
			r.droppedDatagrams.Add(1)
			decision.Dropped++
		}
	}
	r.forwardedFrames.Add(1)
	return decision
}

// StartDrainer runs a goroutine that drains sessionID's bounded queue
// in channelID, calling receiver.SendDatagram for each frame, until
// the queue is closed (by Leave) or done is closed. This is the
// task that actually performs the suspension-point I/O that Forward's
// try-enqueue deliberately avoids.
func (r *Router) StartDrainer(done <-chan struct{}, channelID, sessionID string) {
	ch := r.channelFor(channelID, false)
	if ch == nil {
		return
	}
	ch.mu.RLock()
	m, ok := ch.members[sessionID]
	ch.mu.RUnlock()
	if !ok {
		return
	}
	go func() {
		for {
			select {
			case <-done:
				return
			case frame, ok := <-m.queue:
				if !ok {
					return
				}
				if err := m.receiver.SendDatagram(frame); err != nil {
					slog.Debug("datagram send failed", "session", sessionID, "channel", channelID, "error", err)
				}
			}
		}
	}()
}

// MemberCount returns how many sessions currently occupy a channel.
func (r *Router) MemberCount(channelID string) int {
	ch := r.channelFor(channelID, false)
	if ch == nil {
		return 0
	}
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return len(ch.members)
}

// Stats returns cumulative forwarded/dropped counters.
func (r *Router) Stats() (forwarded, dropped uint64) {
	return r.forwardedFrames.Load(), r.droppedDatagrams.Load()
}
