package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/zap"
)

var ErrBusClosed = errors.New("realtime bus closed")

const (
	defaultInitialBackoff = 2 * time.Second
	defaultMaxBackoff     = 30 * time.Second
)

type BusOptions struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *zap.Logger
}

// Bus keeps one feed link per location, no matter how many subscribers that
// location has, and fans typed events out to them in-process.
type Bus struct {
	feed           Feed
	pubsub         *gochannel.GoChannel
	logger         *zap.Logger
	initialBackoff time.Duration
	maxBackoff     time.Duration
	wait           func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	links  map[string]*link
	closed bool
}

type link struct {
	locationID string
	state      State
	subs       map[*Subscription]struct{}
	cancel     context.CancelFunc
	done       chan struct{}
}

func NewBus(feed Feed, opts BusOptions) *Bus {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	initial := opts.InitialBackoff
	if initial <= 0 {
		initial = defaultInitialBackoff
	}
	maxBackoff := opts.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	if maxBackoff < initial {
		maxBackoff = initial
	}

	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 64,
	}, NewWatermillLogger(logger.Named("watermill")))

	return &Bus{
		feed:           feed,
		pubsub:         pubsub,
		logger:         logger,
		initialBackoff: initial,
		maxBackoff:     maxBackoff,
		wait:           sleepContext,
		links:          map[string]*link{},
	}
}

func topic(locationID string) string {
	return "location." + locationID
}

// Subscribe attaches to the location's event stream, opening the shared feed
// link if this is the first subscriber. A subscriber joining an already
// connected link receives an immediate resync.
func (b *Bus) Subscribe(ctx context.Context, locationID string) (*Subscription, error) {
	if locationID == "" {
		return nil, errors.New("location id is required")
	}

	subCtx, cancel := context.WithCancel(ctx)
	msgs, err := b.pubsub.Subscribe(subCtx, topic(locationID))
	if err != nil {
		cancel()
		return nil, err
	}

	sub := &Subscription{
		bus:        b,
		locationID: locationID,
		ctx:        subCtx,
		cancel:     cancel,
		events:     make(chan Event, 64),
		states:     make(chan State, 16),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		return nil, ErrBusClosed
	}
	l, ok := b.links[locationID]
	if !ok {
		linkCtx, linkCancel := context.WithCancel(context.Background())
		l = &link{
			locationID: locationID,
			state:      StateDisconnected,
			subs:       map[*Subscription]struct{}{},
			cancel:     linkCancel,
			done:       make(chan struct{}),
		}
		b.links[locationID] = l
		go b.run(linkCtx, l)
	}
	l.subs[sub] = struct{}{}
	sub.link = l
	sub.states <- l.state
	if l.state == StateConnected {
		for _, event := range resyncEvents(locationID) {
			sub.events <- event
		}
	}
	b.mu.Unlock()

	go sub.pump(msgs)
	return sub, nil
}

// State reports the link state for a location.
func (b *Bus) State(locationID string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if l, ok := b.links[locationID]; ok {
		return l.state
	}
	return StateDisconnected
}

func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	links := make([]*link, 0, len(b.links))
	for locationID, l := range b.links {
		for sub := range l.subs {
			delete(l.subs, sub)
			close(sub.states)
			sub.cancel()
		}
		l.cancel()
		links = append(links, l)
		delete(b.links, locationID)
	}
	b.mu.Unlock()

	for _, l := range links {
		<-l.done
	}
	return b.pubsub.Close()
}

func (b *Bus) run(ctx context.Context, l *link) {
	defer close(l.done)
	logger := b.logger.With(zap.String("location_id", l.locationID))

	backoff := b.initialBackoff
	attempted := false
	for {
		if attempted {
			b.setState(l, StateReconnecting)
		} else {
			b.setState(l, StateConnecting)
		}
		attempted = true

		var connected atomic.Bool
		err := b.feed.Listen(ctx, l.locationID, func() {
			connected.Store(true)
			b.setState(l, StateConnected)
			for _, event := range resyncEvents(l.locationID) {
				b.publish(event)
			}
		}, func(change Change) {
			b.dispatch(l.locationID, change)
		})
		if ctx.Err() != nil {
			b.setState(l, StateDisconnected)
			return
		}

		if connected.Load() {
			backoff = b.initialBackoff
		}
		logger.Warn("realtime link dropped", zap.Error(err), zap.Duration("retry_in", backoff))
		b.setState(l, StateReconnecting)
		if err := b.wait(ctx, backoff); err != nil {
			b.setState(l, StateDisconnected)
			return
		}
		backoff = nextBackoff(backoff, b.maxBackoff)
	}
}

func (b *Bus) setState(l *link, state State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if l.state == state {
		return
	}
	l.state = state
	for sub := range l.subs {
		select {
		case sub.states <- state:
		default:
		}
	}
}

func (b *Bus) dispatch(locationID string, change Change) {
	if change.LocationID != "" && change.LocationID != locationID {
		return
	}
	change.LocationID = locationID
	for _, event := range EventsForChange(change) {
		b.publish(event)
	}
}

func (b *Bus) publish(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("encode realtime event", zap.Error(err))
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("type", event.Type)
	if err := b.pubsub.Publish(topic(event.LocationID), msg); err != nil {
		b.logger.Debug("publish realtime event", zap.String("type", event.Type), zap.Error(err))
	}
}

func (b *Bus) release(sub *Subscription) {
	b.mu.Lock()
	l := sub.link
	if _, ok := l.subs[sub]; !ok {
		b.mu.Unlock()
		return
	}
	delete(l.subs, sub)
	close(sub.states)
	last := len(l.subs) == 0 && b.links[l.locationID] == l
	if last {
		delete(b.links, l.locationID)
		l.cancel()
	}
	b.mu.Unlock()

	if last {
		<-l.done
	}
}

func resyncEvents(locationID string) []Event {
	now := time.Now().UTC()
	return []Event{
		{Type: EventQueueUpdated, LocationID: locationID, At: now},
		{Type: EventCartUpdated, LocationID: locationID, At: now},
	}
}

func nextBackoff(current time.Duration, limit time.Duration) time.Duration {
	next := current * 2
	if next > limit {
		return limit
	}
	return next
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Subscription is one consumer's view of a location's events. Events is
// closed once the subscription ends.
type Subscription struct {
	bus        *Bus
	link       *link
	locationID string
	ctx        context.Context
	cancel     context.CancelFunc
	events     chan Event
	states     chan State
	closeOnce  sync.Once
}

func (s *Subscription) Events() <-chan Event {
	return s.events
}

// States delivers link state transitions. Slow readers may miss
// intermediate states; Bus.State always has the current one.
func (s *Subscription) States() <-chan State {
	return s.states
}

func (s *Subscription) LocationID() string {
	return s.locationID
}

func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.bus.release(s)
	})
}

func (s *Subscription) pump(msgs <-chan *message.Message) {
	defer s.Close()
	defer close(s.events)

	for msg := range msgs {
		var event Event
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			s.bus.logger.Warn("drop malformed realtime event", zap.Error(err))
			msg.Ack()
			continue
		}
		select {
		case s.events <- event:
		case <-s.ctx.Done():
		}
		msg.Ack()
	}
}
