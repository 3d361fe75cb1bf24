package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VickoT/FamilyDash/internal/config"
	"github.com/VickoT/FamilyDash/internal/decode"
	"github.com/VickoT/FamilyDash/internal/events"
	"github.com/VickoT/FamilyDash/internal/snapshot"
	"github.com/VickoT/FamilyDash/internal/topics"
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"

	// opTimeout bounds each subscribe/publish issued from a connection
	// callback.
	opTimeout = 10 * time.Second

	// tracePreview caps how much of a payload is written to trace logs.
	tracePreview = 256

	// Refused subscriptions are retried with exponential backoff
	// between these bounds for as long as the connection lasts.
	subscribeRetryMin = 2 * time.Second
	subscribeRetryMax = time.Minute
)

// Writer receives decoded updates. *snapshot.Store satisfies it.
type Writer interface {
	Update(domain string, fields snapshot.Fields) error
}

// Options holds the subscriber's optional collaborators.
type Options struct {
	// InstanceID enables Home Assistant discovery when the config asks
	// for it.
	InstanceID string
	Bus        *events.Bus
	Metrics    *Metrics
	Logger     *slog.Logger
}

// Subscriber owns the broker connection. It subscribes to every
// registry topic on each connect, announces presence, and dispatches
// inbound messages through the matching decoder into the store.
type Subscriber struct {
	cfg       config.MQTTConfig
	clientID  string
	registry  *topics.Registry
	store     Writer
	bus       *events.Bus
	metrics   *Metrics
	logger    *slog.Logger
	limiter   *messageRateLimiter
	discovery *discovery
	dial      dialFunc

	lifecycle atomic.Int32
	state     atomic.Int32
	stateMu   sync.Mutex

	// ctx is set once by Start before the transport exists and only
	// read by transport callbacks afterwards.
	ctx context.Context

	retryMin time.Duration
	retryMax time.Duration

	mu        sync.Mutex
	transport transport
	session   session
	// connCancel ends work tied to the current connection, such as
	// subscription retries.
	connCancel context.CancelFunc
}

// New creates a Subscriber. Nothing connects until [Subscriber.Start].
func New(cfg config.MQTTConfig, clientID string, registry *topics.Registry, store Writer, opts Options) *Subscriber {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	s := &Subscriber{
		cfg:      cfg,
		clientID: clientID,
		registry: registry,
		store:    store,
		bus:      opts.Bus,
		metrics:  metrics,
		logger:   logger,
		dial:     dialAutopaho,
		ctx:      context.Background(),
		retryMin: subscribeRetryMin,
		retryMax: subscribeRetryMax,
	}
	if cfg.RateLimit > 0 {
		s.limiter = newMessageRateLimiter(int64(cfg.RateLimit), time.Second, logger)
	}
	if cfg.Discovery && opts.InstanceID != "" {
		d, err := newDiscovery(cfg.DiscoveryPrefix, opts.InstanceID, clientID)
		if err != nil {
			logger.Warn("mqtt discovery payload unavailable", "error", err)
		} else {
			s.discovery = &d
		}
	}
	return s
}

// ClientID returns the identity used on the broker.
func (s *Subscriber) ClientID() string { return s.clientID }

// State returns the current connection state.
func (s *Subscriber) State() ConnState {
	return ConnState(s.state.Load())
}

// StateName returns the current connection state as shown on /health.
func (s *Subscriber) StateName() string { return s.State().String() }

// Ready reports whether every registry topic is subscribed and presence
// has been announced.
func (s *Subscriber) Ready() bool { return s.State() == StateSubscribed }

// Start begins background ingestion and returns without waiting for
// the broker. Only the first call has any effect. Connection failures
// are retried indefinitely in the background; the returned error only
// reports configuration the transport cannot use at all.
func (s *Subscriber) Start(ctx context.Context) error {
	if !s.lifecycle.CompareAndSwap(notStarted, starting) {
		s.logger.Debug("mqtt subscriber already started")
		return nil
	}
	defer s.lifecycle.Store(running)

	if !s.cfg.Configured() {
		s.logger.Info("mqtt ingestion disabled")
		return nil
	}

	s.ctx = ctx
	if s.limiter != nil {
		go s.limiter.start(ctx)
	}

	s.setState(StateConnecting)
	s.logger.Info("mqtt connecting",
		"broker", s.cfg.BrokerURL(),
		"client_id", s.clientID,
		"topics", len(s.registry.Entries()),
	)

	t, err := s.dial(ctx, s.dialOptions(), transportHooks{
		onUp:           s.handleConnectionUp,
		onConnectError: s.handleConnectError,
		onDown:         s.handleConnectionDown,
		onMessage:      s.handleMessage,
	})
	if err != nil {
		s.setState(StateDisconnected)
		return err
	}

	s.mu.Lock()
	s.transport = t
	s.mu.Unlock()

	go func() {
		<-t.Done()
		s.setState(StateDisconnected)
	}()
	return nil
}

// Stop publishes "offline" and disconnects cleanly. It is only needed
// for a graceful shutdown; if the process dies the broker publishes the
// same status from the last will.
func (s *Subscriber) Stop(ctx context.Context) error {
	s.mu.Lock()
	t, sess := s.transport, s.session
	if s.connCancel != nil {
		s.connCancel()
		s.connCancel = nil
	}
	s.mu.Unlock()
	if t == nil {
		return nil
	}
	if sess != nil {
		if err := sess.Publish(ctx, PresenceTopic(s.clientID), []byte(payloadOffline), 1, true); err != nil {
			s.logger.Warn("mqtt presence publish failed", "status", payloadOffline, "error", err)
		}
	}
	return t.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires. It backs the connwatch health probe.
func (s *Subscriber) AwaitConnection(ctx context.Context) error {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return errors.New("mqtt subscriber not started")
	}
	return t.AwaitConnection(ctx)
}

func (s *Subscriber) dialOptions() dialOptions {
	keepAlive := s.cfg.KeepAliveSec
	if keepAlive <= 0 || keepAlive > math.MaxUint16 {
		keepAlive = 60
	}
	return dialOptions{
		brokerURL:    s.cfg.BrokerURL(),
		tls:          s.cfg.TLS,
		clientID:     s.clientID,
		username:     s.cfg.Username,
		password:     s.cfg.Password,
		keepAliveSec: uint16(keepAlive),
		willTopic:    PresenceTopic(s.clientID),
		willPayload:  []byte(payloadOffline),
	}
}

// handleConnectionUp runs after every connect acknowledgement. The
// broker keeps nothing between connections, so every subscription and
// the presence message are issued again each time. Presence goes out
// even if some filters were refused; those are retried in the
// background and the state only reaches subscribed once all are in.
func (s *Subscriber) handleConnectionUp(sess session) {
	s.setState(StateConnected)
	s.metrics.connectionUps.Inc()
	s.logger.Info("mqtt connected to broker", "broker", s.cfg.BrokerURL(), "client_id", s.clientID)

	s.mu.Lock()
	s.session = sess
	if s.connCancel != nil {
		s.connCancel()
	}
	connCtx, connCancel := context.WithCancel(s.ctx)
	s.connCancel = connCancel
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(connCtx, opTimeout)
	defer cancel()

	entries := s.registry.Entries()
	subs := make([]subscription, len(entries))
	for i, e := range entries {
		subs[i] = subscription{Topic: e.Topic, QoS: e.QoS}
	}
	pending := s.subscribe(ctx, sess, subs)

	presence := PresenceTopic(s.clientID)
	if err := sess.Publish(ctx, presence, []byte(payloadOnline), 1, true); err != nil {
		s.logger.Warn("mqtt presence publish failed", "topic", presence, "status", payloadOnline, "error", err)
	} else {
		s.logger.Debug("mqtt presence published", "topic", presence, "status", payloadOnline)
	}

	if s.discovery != nil {
		if err := sess.Publish(ctx, s.discovery.topic, s.discovery.payload, 1, true); err != nil {
			s.logger.Warn("mqtt discovery publish failed", "topic", s.discovery.topic, "error", err)
		} else {
			s.logger.Debug("mqtt discovery published", "topic", s.discovery.topic)
		}
	}

	if len(pending) > 0 {
		go s.retrySubscribe(connCtx, sess, pending)
		return
	}
	s.setState(StateSubscribed)
}

// subscribe issues subs and returns those still to be subscribed: the
// refused filters, or all of subs if the request got no answer.
func (s *Subscriber) subscribe(ctx context.Context, sess session, subs []subscription) []subscription {
	refused, err := sess.Subscribe(ctx, subs)
	if err == nil {
		s.logger.Info("mqtt subscribed", "topics", topicList(subs))
		return nil
	}
	if len(refused) == 0 {
		s.metrics.subscribeFailures.Add(float64(len(subs)))
		s.logger.Warn("mqtt subscribe failed", "topics", len(subs), "error", err)
		return subs
	}

	pending := make([]subscription, len(refused))
	for i, r := range refused {
		s.logger.Warn("mqtt subscription refused",
			"topic", r.Topic,
			"qos", r.QoS,
			"reason_code", fmt.Sprintf("0x%02x", r.Reason),
		)
		pending[i] = r.subscription
	}
	s.metrics.subscribeFailures.Add(float64(len(pending)))
	s.logger.Info("mqtt subscribed with refusals",
		"accepted", len(subs)-len(pending),
		"refused", topicList(pending),
	)
	return pending
}

// retrySubscribe re-issues pending filters with exponential backoff
// until the broker accepts all of them or the connection ends.
func (s *Subscriber) retrySubscribe(ctx context.Context, sess session, pending []subscription) {
	delay := s.retryMin
	for len(pending) > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		pending = s.subscribe(opCtx, sess, pending)
		cancel()
		delay = min(delay*2, s.retryMax)
	}

	// Connection loss cancels ctx under mu, so a stale retry cannot
	// mark a newer connection subscribed.
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() == nil {
		s.setState(StateSubscribed)
	}
}

func topicList(subs []subscription) string {
	topics := make([]string, len(subs))
	for i, sub := range subs {
		topics[i] = sub.Topic
	}
	return strings.Join(topics, ",")
}

func (s *Subscriber) handleConnectError(err error) {
	s.logger.Warn("mqtt connection error", "broker", s.cfg.BrokerURL(), "error", err)
	if s.State() == StateDisconnected {
		s.setState(StateReconnecting)
	}
}

func (s *Subscriber) handleConnectionDown(err error) {
	s.logger.Warn("mqtt connection lost", "broker", s.cfg.BrokerURL(), "error", err)
	s.mu.Lock()
	s.session = nil
	if s.connCancel != nil {
		s.connCancel()
		s.connCancel = nil
	}
	s.mu.Unlock()

	s.setState(StateDisconnected)
	if s.ctx.Err() == nil {
		s.setState(StateReconnecting)
	}
}

func (s *Subscriber) handleMessage(topic string, payload []byte) {
	s.metrics.received.Inc()
	if s.limiter != nil && !s.limiter.allow() {
		s.metrics.rateLimited.Inc()
		return
	}
	s.Dispatch(events.SourceMQTT, topic, payload)
}

// Dispatch routes one message: match the topic, decode, and write the
// result to the store. It reports whether the store was updated.
// Unregistered topics, empty decodes and decoder panics are logged and
// dropped; nothing is returned to the caller but the bool. Feed pollers
// use Dispatch directly so their payloads take the same path as broker
// messages. source (an events.Source* value) labels the dispatch
// metrics and the update event.
func (s *Subscriber) Dispatch(source, topic string, payload []byte) bool {
	start := time.Now()
	s.logger.Log(context.Background(), config.LevelTrace, "message received",
		"source", source,
		"topic", topic,
		"payload_size", len(payload),
		"payload", preview(payload),
	)

	entry, ok := s.registry.Match(topic)
	if !ok {
		s.metrics.unmatched.Inc()
		s.logger.Debug("mqtt message on unregistered topic", "topic", topic)
		return false
	}

	fields, err := safeDecode(entry.Decoder, topic, payload)
	if err != nil {
		s.metrics.panics.WithLabelValues(entry.Domain).Inc()
		s.logger.Warn("mqtt decoder failed", "domain", entry.Domain, "topic", topic, "error", err)
		return false
	}
	if len(fields) == 0 {
		s.metrics.empty.WithLabelValues(entry.Domain).Inc()
		s.logger.Debug("mqtt payload yielded no fields",
			"domain", entry.Domain,
			"topic", topic,
			"payload_size", len(payload),
		)
		return false
	}

	if err := s.store.Update(entry.Domain, fields); err != nil {
		s.logger.Warn("mqtt snapshot update failed", "domain", entry.Domain, "error", err)
		return false
	}
	s.metrics.dispatched.WithLabelValues(entry.Domain, source).Inc()
	s.metrics.dispatchTime.Observe(time.Since(start).Seconds())

	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	s.bus.Emit(source, events.KindDomainUpdated, map[string]any{
		"domain": entry.Domain,
		"topic":  topic,
		"fields": names,
	})
	return true
}

// safeDecode converts a decoder panic into an error so one bad message
// cannot end the receive loop.
func safeDecode(d decode.Decoder, topic string, payload []byte) (fields snapshot.Fields, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decoder panic: %v", r)
		}
	}()
	return d.Decode(topic, payload), nil
}

func (s *Subscriber) setState(next ConnState) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	prev := ConnState(s.state.Swap(int32(next)))
	if prev == next {
		return
	}
	s.metrics.setState(prev, next)
	s.logger.Debug("mqtt connection state changed", "from", prev.String(), "to", next.String())
	s.bus.Emit(events.SourceMQTT, events.KindConnectionState, map[string]any{
		"state":    next.String(),
		"previous": prev.String(),
	})
}

func preview(payload []byte) string {
	if len(payload) > tracePreview {
		return string(payload[:tracePreview]) + "…"
	}
	return string(payload)
}
