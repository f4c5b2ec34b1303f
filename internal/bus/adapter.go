// Package bus is the publish/subscribe adapter between the gateway and the
// strategy processes. All cross-process traffic flows through Redis pub/sub
// using the Envelope wire format.
package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"topstep-gateway/config"
	"topstep-gateway/internal/logging"

	"github.com/redis/go-redis/v9"
)

// Handler processes a decoded inbound message
type Handler func(Envelope)

type queuedPublish struct {
	channel string
	data    []byte
}

// Adapter owns the Redis connection, subscription fan-in, reconnection, and
// the offline publish queue.
type Adapter struct {
	client *redis.Client
	cfg    config.RedisConfig
	log    *logging.Logger

	mu        sync.Mutex
	connected bool
	attempts  int
	handlers  map[string][]Handler
	subs      map[string]*redis.PubSub
	queue     []queuedPublish

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

const maxQueuedPublishes = 1000

// NewAdapter creates a bus adapter. Connect must be called before use.
func NewAdapter(cfg config.RedisConfig, log *logging.Logger) *Adapter {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	return &Adapter{
		client:   client,
		cfg:      cfg,
		log:      log.WithComponent("bus"),
		handlers: make(map[string][]Handler),
		subs:     make(map[string]*redis.PubSub),
		stopCh:   make(chan struct{}),
	}
}

// Connect verifies connectivity and starts the heartbeat loop
func (a *Adapter) Connect(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := a.client.Ping(pingCtx).Err(); err != nil {
		return err
	}

	a.mu.Lock()
	a.connected = true
	a.attempts = 0
	a.mu.Unlock()

	a.wg.Add(1)
	go a.heartbeatLoop()

	a.log.Info("connected to message bus", "address", a.cfg.Address)
	return nil
}

// IsConnected reports whether the adapter currently considers itself connected
func (a *Adapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Publish wraps the payload in an envelope and publishes it on the default
// channel for the event type. Failures are logged and reported as false,
// never raised to the caller.
func (a *Adapter) Publish(eventType string, payload interface{}) bool {
	return a.PublishTo(ChannelForEvent(eventType), eventType, payload)
}

// PublishTo publishes on an explicit channel
func (a *Adapter) PublishTo(channel, eventType string, payload interface{}) bool {
	env, err := NewEnvelope(eventType, payload)
	if err != nil {
		a.log.Error("failed to build envelope", "type", eventType, "error", err)
		return false
	}

	data, err := json.Marshal(env)
	if err != nil {
		a.log.Error("failed to marshal envelope", "type", eventType, "error", err)
		return false
	}

	a.mu.Lock()
	if !a.connected {
		a.enqueueLocked(channel, data)
		a.mu.Unlock()
		return true
	}
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := a.client.Publish(ctx, channel, data).Err(); err != nil {
		a.log.Error("publish failed, queueing", "channel", channel, "type", eventType, "error", err)
		a.mu.Lock()
		a.enqueueLocked(channel, data)
		a.mu.Unlock()
		a.triggerReconnect()
		return false
	}
	return true
}

// enqueueLocked buffers a publish while disconnected. Oldest entries are
// dropped when the buffer is full.
func (a *Adapter) enqueueLocked(channel string, data []byte) {
	if len(a.queue) >= maxQueuedPublishes {
		a.queue = a.queue[1:]
		a.log.Warn("offline publish queue full, dropping oldest message")
	}
	a.queue = append(a.queue, queuedPublish{channel: channel, data: data})
}

// Subscribe registers a handler for a channel. Multiple handlers per channel
// are supported; each inbound message is dispatched to all of them.
func (a *Adapter) Subscribe(channel string, handler Handler) error {
	a.mu.Lock()
	a.handlers[channel] = append(a.handlers[channel], handler)
	_, exists := a.subs[channel]
	connected := a.connected
	a.mu.Unlock()

	if exists || !connected {
		return nil
	}
	return a.openSubscription(channel)
}

func (a *Adapter) openSubscription(channel string) error {
	sub := a.client.Subscribe(context.Background(), channel)

	// Force the subscription onto the wire before returning
	if _, err := sub.Receive(context.Background()); err != nil {
		_ = sub.Close()
		return err
	}

	a.mu.Lock()
	a.subs[channel] = sub
	a.mu.Unlock()

	a.wg.Add(1)
	go a.readLoop(channel, sub)
	return nil
}

func (a *Adapter) readLoop(channel string, sub *redis.PubSub) {
	defer a.wg.Done()

	for msg := range sub.Channel() {
		env, err := DecodeEnvelope([]byte(msg.Payload))
		if err != nil {
			a.log.Warn("dropping undecodable message", "channel", channel, "error", err)
			continue
		}
		a.dispatch(channel, env)
	}
}

// dispatch runs every handler for a channel, isolating panics so one bad
// handler cannot take down the read loop
func (a *Adapter) dispatch(channel string, env Envelope) {
	a.mu.Lock()
	handlers := make([]Handler, len(a.handlers[channel]))
	copy(handlers, a.handlers[channel])
	a.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					a.log.Error("subscriber panicked", "channel", channel, "type", env.Type, "panic", r)
				}
			}()
			h(env)
		}()
	}
}

// heartbeatLoop pings the server periodically; a failed ping starts
// reconnection
func (a *Adapter) heartbeatLoop() {
	defer a.wg.Done()

	interval := time.Duration(a.cfg.HeartbeatInterval) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			err := a.client.Ping(ctx).Err()
			cancel()
			if err != nil {
				a.log.Warn("heartbeat ping failed", "error", err)
				a.triggerReconnect()
			}
		}
	}
}

// triggerReconnect starts the reconnect loop if not already running
func (a *Adapter) triggerReconnect() {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return
	}
	a.connected = false

	// Tear down stale subscriptions; they are reopened after reconnect
	for ch, sub := range a.subs {
		_ = sub.Close()
		delete(a.subs, ch)
	}
	a.mu.Unlock()

	a.wg.Add(1)
	go a.reconnectLoop()
}

// reconnectLoop retries with exponential backoff: min(delay*2^attempt, 30s),
// capped at MaxReconnectAttempts
func (a *Adapter) reconnectLoop() {
	defer a.wg.Done()

	baseDelay := time.Duration(a.cfg.ReconnectDelayMs) * time.Millisecond
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	maxAttempts := a.cfg.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		delay := baseDelay << uint(attempt)
		if delay > 30*time.Second {
			delay = 30 * time.Second
		}

		select {
		case <-a.stopCh:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := a.client.Ping(ctx).Err()
		cancel()
		if err != nil {
			a.log.Warn("reconnect attempt failed", "attempt", attempt+1, "error", err)
			continue
		}

		a.mu.Lock()
		a.connected = true
		a.attempts = 0
		channels := make([]string, 0, len(a.handlers))
		for ch := range a.handlers {
			channels = append(channels, ch)
		}
		a.mu.Unlock()

		for _, ch := range channels {
			if err := a.openSubscription(ch); err != nil {
				a.log.Error("failed to resubscribe after reconnect", "channel", ch, "error", err)
			}
		}

		a.drainQueue()
		a.log.Info("reconnected to message bus", "attempt", attempt+1)
		return
	}

	a.log.Error("giving up on bus reconnection", "attempts", maxAttempts)
}

// drainQueue flushes publishes buffered while disconnected, in order
func (a *Adapter) drainQueue() {
	a.mu.Lock()
	queued := a.queue
	a.queue = nil
	a.mu.Unlock()

	if len(queued) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sent := 0
	for _, q := range queued {
		if err := a.client.Publish(ctx, q.channel, q.data).Err(); err != nil {
			a.log.Error("failed to drain queued publish", "channel", q.channel, "error", err)
			continue
		}
		sent++
	}
	a.log.Info("drained offline publish queue", "sent", sent, "total", len(queued))
}

// QueuedCount returns the number of publishes waiting for reconnection
func (a *Adapter) QueuedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// Close shuts down subscriptions, the heartbeat loop, and the client
func (a *Adapter) Close() error {
	a.stopOnce.Do(func() {
		close(a.stopCh)
	})

	a.mu.Lock()
	for ch, sub := range a.subs {
		_ = sub.Close()
		delete(a.subs, ch)
	}
	a.connected = false
	a.mu.Unlock()

	a.wg.Wait()
	return a.client.Close()
}
