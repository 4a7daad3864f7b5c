package broadcast

import (
	"sync"
	"time"

	"github.com/shuttersense/shuttersense/pkg/errdefs"
)

// Channel name helpers. Pool and job channels are tenant-scoped; per-job
// channels exist for the lifetime of an observer's interest.

// PoolChannel names the pool-status channel for a tenant.
func PoolChannel(tenantGUID string) string { return "pool-status-" + tenantGUID }

// JobsChannel names the all-jobs channel for a tenant.
func JobsChannel(tenantGUID string) string { return "all-jobs-" + tenantGUID }

// JobChannel names the per-job progress channel.
func JobChannel(jobGUID string) string { return "job-" + jobGUID }

// Subscriber receives the payloads published on one channel, in publish
// order. A subscriber that cannot keep up is removed by the broker; removal
// is signalled on Done, never by closing the payload channel, because a
// publish may be parked in a send on it at that moment.
type Subscriber struct {
	ch      chan []byte
	done    chan struct{}
	channel string
	closed  bool // guarded by the broker mutex
}

// C returns the receive channel. Readers must select on Done alongside it;
// the channel itself is never closed.
func (s *Subscriber) C() <-chan []byte { return s.ch }

// Done is closed when the subscriber is removed, whether by Unsubscribe or
// by falling behind.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Broker fans published payloads out to the subscribers of named channels.
// It is one of the two long-lived pieces of process-wide mutable state
// (the other is the auth gate's per-IP counter); it is created at startup
// and passed to handlers explicitly.
type Broker struct {
	mu       sync.Mutex
	channels map[string]map[*Subscriber]bool

	maxPerChannel int
	sendTimeout   time.Duration
	buffer        int
}

// Options bound the broker's resource usage.
type Options struct {
	// MaxPerChannel caps subscribers on one channel; Subscribe beyond the
	// cap is rejected. Zero means the default of 256.
	MaxPerChannel int
	// SendTimeout bounds how long a publish waits on one slow subscriber
	// before dropping it. Zero means the default of 100ms.
	SendTimeout time.Duration
	// Buffer is the per-subscriber queue depth. Zero means the default of 64.
	Buffer int
}

const (
	defaultMaxPerChannel = 256
	defaultSendTimeout   = 100 * time.Millisecond
	defaultBuffer        = 64
)

// NewBroker creates a broker with the given bounds.
func NewBroker(opts Options) *Broker {
	if opts.MaxPerChannel <= 0 {
		opts.MaxPerChannel = defaultMaxPerChannel
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	return &Broker{
		channels:      make(map[string]map[*Subscriber]bool),
		maxPerChannel: opts.MaxPerChannel,
		sendTimeout:   opts.SendTimeout,
		buffer:        opts.Buffer,
	}
}

// Subscribe registers interest in a channel. Returns subscriber_limit when
// the channel is at capacity.
func (b *Broker) Subscribe(channel string) (*Subscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.channels[channel]
	if subs == nil {
		subs = make(map[*Subscriber]bool)
		b.channels[channel] = subs
	}
	if len(subs) >= b.maxPerChannel {
		return nil, errdefs.Newf(errdefs.KindSubscriberLimit, "channel %q is at capacity", channel)
	}

	sub := &Subscriber{
		ch:      make(chan []byte, b.buffer),
		done:    make(chan struct{}),
		channel: channel,
	}
	subs[sub] = true
	return sub, nil
}

// Unsubscribe removes a subscriber; undelivered payloads are dropped with
// the channel once the reader lets go of it.
func (b *Broker) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remove(sub)
}

// remove must be called with b.mu held.
func (b *Broker) remove(sub *Subscriber) {
	if sub.closed {
		return
	}
	sub.closed = true
	if subs, ok := b.channels[sub.channel]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.channels, sub.channel)
		}
	}
	close(sub.done)
}

// Publish delivers payload to every subscriber of the channel in publish
// order. The subscriber set lock is held only to snapshot the set; each
// per-subscriber write is bounded by the send timeout, and a subscriber
// that exceeds it is dropped so the payload is not lost for the others.
func (b *Broker) Publish(channel string, payload []byte) {
	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.channels[channel]))
	for sub := range b.channels[channel] {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	var failed []*Subscriber
	for _, sub := range subs {
		select {
		case sub.ch <- payload:
			continue
		case <-sub.done:
			continue
		default:
		}
		// Buffer full: give the consumer one bounded chance. A concurrent
		// unsubscribe unparks the send through done.
		timer := time.NewTimer(b.sendTimeout)
		select {
		case sub.ch <- payload:
			timer.Stop()
		case <-sub.done:
			timer.Stop()
		case <-timer.C:
			failed = append(failed, sub)
		}
	}

	if len(failed) > 0 {
		b.mu.Lock()
		for _, sub := range failed {
			b.remove(sub)
		}
		b.mu.Unlock()
	}
}

// SubscriberCount returns the number of active subscribers on a channel.
func (b *Broker) SubscriberCount(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channels[channel])
}
