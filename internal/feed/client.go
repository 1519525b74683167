package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"

	"github.com/coachpo/spreadfeed/errs"
	"github.com/coachpo/spreadfeed/internal/codec"
	"github.com/coachpo/spreadfeed/internal/observability"
	"github.com/coachpo/spreadfeed/internal/schema"
	"github.com/coachpo/spreadfeed/internal/telemetry"
)

const (
	defaultConnectTimeout = 30 * time.Second
	initialRetryInterval  = time.Second
	maxReconnectInterval  = 30 * time.Second
	maxReconnectAttempts  = 10
	normalClosure         = 1000
	rejectQueueCapacity   = 64
)

// DataHandler receives each delivered dataset. The slice is shared across
// subscribers and must be treated as read-only.
type DataHandler func(rows []schema.QuoteRow)

// ErrorHandler receives transport, timeout, and exhaustion errors.
type ErrorHandler func(err error)

// CloseHandler receives session close events.
type CloseHandler func(evt CloseEvent)

// ClientOptions configures a feed client.
type ClientOptions struct {
	// Endpoint is the dial URL, typically built by BuildFeedURL.
	Endpoint string
	// ConnectTimeout bounds each dial attempt. Defaults to 30s.
	ConnectTimeout time.Duration
	// StatusBuffer sizes each status watcher channel.
	StatusBuffer int
	// FanoutWorkers caps delivery concurrency. Defaults to GOMAXPROCS.
	FanoutWorkers int
	// Dial overrides the transport dialer; the WebSocket dialer by default.
	Dial DialFunc
	// NewBackOff overrides the reconnect schedule factory.
	NewBackOff func() backoff.BackOff
}

// Client maintains one persistent feed connection, reconnecting with
// exponential backoff, and fans each dataset out to registered subscribers.
//
// Delivery callbacks run while a delivery turn is in progress: calling
// Subscribe from inside a DataHandler deadlocks, while releasing a
// subscription from inside one is safe.
type Client struct {
	endpoint       string
	connectTimeout time.Duration
	dial           DialFunc
	fanoutWorkers  int

	mu         sync.Mutex
	status     Status
	session    *session
	retryTimer *time.Timer
	attempts   int
	reconnect  backoff.BackOff

	regMu     sync.Mutex
	nextSubID atomic.Uint64
	dataSubs  map[string]DataHandler
	errSubs   map[string]ErrorHandler
	closeSubs map[string]CloseHandler

	deliverMu sync.Mutex
	replayMu  sync.Mutex
	replay    []schema.QuoteRow

	statusBus      *StatusBus
	metrics        *clientMetrics
	counters       *observability.FeedCounters
	rejects        *observability.RejectQueue
	decodeLogLimit *rate.Limiter
}

type session struct {
	id        string
	ctx       context.Context
	cancel    context.CancelFunc
	transport Transport
	hadData   atomic.Bool
}

// NewClient constructs a client for the given endpoint. No connection is
// made until Connect or the first Subscribe.
func NewClient(opts ClientOptions) (*Client, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		return nil, errs.New("feed/client", errs.CodeInvalid, errs.WithMessage("endpoint required"))
	}
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	dial := opts.Dial
	if dial == nil {
		dial = Dial
	}
	workers := opts.FanoutWorkers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	newBackOff := opts.NewBackOff
	if newBackOff == nil {
		newBackOff = newReconnectBackOff
	}

	return &Client{
		endpoint:       endpoint,
		connectTimeout: timeout,
		dial:           dial,
		fanoutWorkers:  workers,
		status:         StatusIdle,
		reconnect:      newBackOff(),
		dataSubs:       make(map[string]DataHandler),
		errSubs:        make(map[string]ErrorHandler),
		closeSubs:      make(map[string]CloseHandler),
		statusBus:      NewStatusBus(opts.StatusBuffer),
		metrics:        newClientMetrics(endpoint),
		counters:       observability.NewFeedCounters(),
		rejects:        observability.NewRejectQueue(rejectQueueCapacity),
		decodeLogLimit: rate.NewLimiter(rate.Every(5*time.Second), 3),
	}, nil
}

// newReconnectBackOff yields the reconnect schedule 1s, 2s, 4s, 8s, 16s,
// then 30s for every later attempt.
func newReconnectBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialRetryInterval
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = maxReconnectInterval
	return bo
}

// Connect starts a session unless one is already live. Connecting resets the
// reconnect budget, so an explicit Connect after exhaustion starts fresh.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusConnected || c.status == StatusConnecting {
		observability.Log().Info("feed connect ignored",
			observability.Field{Key: "status", Value: string(c.status)})
		return
	}
	c.stopRetryTimerLocked()
	c.attempts = 0
	c.reconnect.Reset()
	c.startSessionLocked("connect requested")
}

// Disconnect tears down the session and any pending retry, returning the
// client to idle. Subscribers stay registered; a later Connect or Subscribe
// resumes delivery.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.stopRetryTimerLocked()
	c.attempts = 0
	c.reconnect.Reset()
	sess := c.session
	c.session = nil
	var transport Transport
	if sess != nil {
		sess.cancel()
		transport = sess.transport
	}
	c.setStatusLocked(StatusIdle, "client disconnect")
	c.mu.Unlock()

	if transport != nil {
		_ = transport.Close("client disconnect")
	}
}

// Close disconnects and releases the status bus. The client is not reusable
// afterwards.
func (c *Client) Close() {
	c.Disconnect()
	c.statusBus.Close()
}

// Status reports the current connection state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// IsConnected reports whether a live transport is established.
func (c *Client) IsConnected() bool {
	return c.Status() == StatusConnected
}

// Snapshot returns the most recent delivered dataset. The slice is the
// replay buffer itself and must be treated as read-only.
func (c *Client) Snapshot() []schema.QuoteRow {
	c.replayMu.Lock()
	defer c.replayMu.Unlock()
	return c.replay
}

// Counters reports the accumulated feed counters.
func (c *Client) Counters() observability.FeedCountersSnapshot {
	return c.counters.Snapshot()
}

// Rejects copies the recently rejected frames without clearing them.
func (c *Client) Rejects() []observability.RejectedFrame {
	return c.rejects.Snapshot()
}

// StatusTransitions subscribes to connection state changes. The channel
// closes when ctx ends or the client is closed.
func (c *Client) StatusTransitions(ctx context.Context) (<-chan Transition, error) {
	return c.statusBus.Subscribe(ctx)
}

// Subscribe registers a data callback. When a replay dataset exists it is
// delivered synchronously, exactly once, before Subscribe returns; the
// subscriber then receives every later dataset in wire order. The first
// subscriber triggers a connection. The returned release is idempotent and
// safe to call from inside any callback.
func (c *Client) Subscribe(fn DataHandler) func() {
	if fn == nil {
		return func() {}
	}
	id := c.subID()

	c.deliverMu.Lock()
	c.regMu.Lock()
	c.dataSubs[id] = fn
	c.regMu.Unlock()

	c.replayMu.Lock()
	replay := c.replay
	c.replayMu.Unlock()
	if len(replay) > 0 {
		c.invoke(id, fn, replay)
	}
	c.deliverMu.Unlock()

	c.metrics.adjustSubscribers(context.Background(), 1)

	c.mu.Lock()
	c.ensureSessionLocked("subscriber added")
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.regMu.Lock()
			delete(c.dataSubs, id)
			c.regMu.Unlock()
			c.metrics.adjustSubscribers(context.Background(), -1)
		})
	}
}

// OnError registers an observer for transport, timeout, and exhaustion
// errors. The returned release is idempotent.
func (c *Client) OnError(fn ErrorHandler) func() {
	if fn == nil {
		return func() {}
	}
	id := c.subID()
	c.regMu.Lock()
	c.errSubs[id] = fn
	c.regMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.regMu.Lock()
			delete(c.errSubs, id)
			c.regMu.Unlock()
		})
	}
}

// OnClose registers an observer for session close events. The returned
// release is idempotent.
func (c *Client) OnClose(fn CloseHandler) func() {
	if fn == nil {
		return func() {}
	}
	id := c.subID()
	c.regMu.Lock()
	c.closeSubs[id] = fn
	c.regMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.regMu.Lock()
			delete(c.closeSubs, id)
			c.regMu.Unlock()
		})
	}
}

func (c *Client) subID() string {
	return fmt.Sprintf("sub-%d", c.nextSubID.Add(1))
}

// ensureSessionLocked lazily connects. A pending retry timer owns
// reconnection, so it is left alone.
func (c *Client) ensureSessionLocked(reason string) {
	if c.status == StatusConnected || c.status == StatusConnecting {
		return
	}
	if c.retryTimer != nil {
		return
	}
	c.startSessionLocked(reason)
}

func (c *Client) startSessionLocked(reason string) {
	sess := &session{id: uuid.NewString()}
	sess.ctx, sess.cancel = context.WithCancel(context.Background())
	c.session = sess
	c.setStatusLocked(StatusConnecting, reason)
	go c.runSession(sess)
}

func (c *Client) runSession(sess *session) {
	dialCtx, cancel := context.WithTimeout(sess.ctx, c.connectTimeout)
	transport, err := c.dial(dialCtx, c.endpoint)
	cancel()
	if err != nil {
		evt := CloseEvent{Code: abnormalClosure, WasClean: false, HadData: false, SessionID: sess.id}
		c.finishSession(sess, evt, c.classifyDialError(err))
		return
	}

	c.mu.Lock()
	if c.session != sess {
		c.mu.Unlock()
		_ = transport.Close("session superseded")
		return
	}
	sess.transport = transport
	c.attempts = 0
	c.reconnect.Reset()
	c.setStatusLocked(StatusConnected, "session established")
	c.mu.Unlock()

	c.metrics.recordReconnect(sess.ctx, "success", 0)
	observability.Log().Info("feed connected",
		observability.Field{Key: "session_id", Value: sess.id},
		observability.Field{Key: "endpoint", Value: c.endpoint})

	c.readLoop(sess)
}

func (c *Client) classifyDialError(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.New("feed/dial", errs.CodeTimeout,
			errs.WithEndpoint(c.endpoint),
			errs.WithMessage("connect timeout exceeded"),
			errs.WithCause(err))
	}
	return errs.New("feed/dial", errs.CodeNetwork,
		errs.WithEndpoint(c.endpoint),
		errs.WithCause(err))
}

func (c *Client) readLoop(sess *session) {
	for {
		payload, err := sess.transport.Read(sess.ctx)
		if err != nil {
			code, clean := classifyClose(err)
			evt := CloseEvent{Code: code, WasClean: clean, HadData: sess.hadData.Load(), SessionID: sess.id}
			var cause error
			if !clean || code != normalClosure {
				cause = errs.New("feed/read", errs.CodeNetwork,
					errs.WithEndpoint(c.endpoint),
					errs.WithCloseCode(code),
					errs.WithField("session_id", sess.id),
					errs.WithCause(err))
			}
			c.finishSession(sess, evt, cause)
			return
		}
		c.handlePayload(sess, payload)
	}
}

func (c *Client) handlePayload(sess *session, payload []byte) {
	c.metrics.recordMessage(sess.ctx, len(payload))
	c.counters.RecordMessage(len(payload))

	rows, stats, err := codec.Decode(payload)
	if err != nil {
		c.metrics.recordDecodeFailure(sess.ctx)
		c.counters.IncrementDecodeFailures()
		c.rejects.Offer(observability.RejectedFrame{
			At:        time.Now(),
			SessionID: sess.id,
			Reason:    "payload is not valid JSON",
			Preview:   codec.Preview(bytes.TrimSpace(payload)),
		})
		if c.decodeLogLimit.Allow() {
			observability.Log().Error("feed payload rejected",
				observability.Field{Key: "session_id", Value: sess.id},
				observability.Field{Key: "error", Value: err.Error()})
		}
		return
	}

	c.metrics.recordFrameStats(sess.ctx, stats)
	c.counters.AddFrames(telemetry.FrameClassRow, stats.Rows)
	c.counters.AddFrames(telemetry.FrameClassControl, stats.Control)
	c.counters.AddFrames(telemetry.FrameClassInvalid, stats.Invalid)
	if stats.Invalid > 0 {
		c.rejects.Offer(observability.RejectedFrame{
			At:        time.Now(),
			SessionID: sess.id,
			Reason:    fmt.Sprintf("%d invalid frame items", stats.Invalid),
			Preview:   codec.Preview(bytes.TrimSpace(payload)),
		})
		if c.decodeLogLimit.Allow() {
			observability.Log().Debug("feed items dropped",
				observability.Field{Key: "session_id", Value: sess.id},
				observability.Field{Key: "invalid", Value: stats.Invalid})
		}
	}
	if len(rows) == 0 {
		return
	}

	sess.hadData.Store(true)
	c.deliver(sess.ctx, rows)
}

// deliver replaces the replay buffer and fans the dataset out. Turns are
// serialized: the fan-out for one dataset completes before the next starts,
// and a Subscribe in progress delays the next turn until its replay is done.
func (c *Client) deliver(ctx context.Context, rows []schema.QuoteRow) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.replayMu.Lock()
	c.replay = rows
	c.replayMu.Unlock()
	c.counters.IncrementDatasets()

	type dataSub struct {
		id string
		fn DataHandler
	}
	c.regMu.Lock()
	subs := make([]dataSub, 0, len(c.dataSubs))
	for id, fn := range c.dataSubs {
		subs = append(subs, dataSub{id: id, fn: fn})
	}
	c.regMu.Unlock()
	if len(subs) == 0 {
		return
	}

	workerLimit := c.fanoutWorkers
	if workerLimit > len(subs) {
		workerLimit = len(subs)
	}

	start := time.Now()
	var mu sync.Mutex
	var workerErrs []error
	var failed []string
	p := pool.New().WithMaxGoroutines(workerLimit)
	for _, subscriber := range subs {
		sub := subscriber
		p.Go(func() {
			defer func() {
				if r := recover(); r != nil {
					mu.Lock()
					workerErrs = append(workerErrs, fmt.Errorf("subscriber %s panic: %v", sub.id, r))
					failed = append(failed, sub.id)
					mu.Unlock()
				}
			}()
			sub.fn(rows)
		})
	}
	p.Wait()
	c.metrics.recordDelivery(ctx, len(subs), time.Since(start))

	if len(workerErrs) > 0 {
		_ = observability.AggregateErrors("feed fan-out", workerErrs,
			observability.Field{Key: "subscriber_count", Value: len(subs)},
			observability.Field{Key: "failed_subscribers", Value: failed})
	}
}

// invoke delivers the replay dataset to one subscriber with panic isolation.
func (c *Client) invoke(id string, fn DataHandler, rows []schema.QuoteRow) {
	defer func() {
		if r := recover(); r != nil {
			observability.Log().Error("subscriber replay panic",
				observability.Field{Key: "subscriber", Value: id},
				observability.Field{Key: "panic", Value: fmt.Sprint(r)})
		}
	}()
	fn(rows)
}

// finishSession owns every session end: remote closes, transport errors,
// and failed dials. It decides between terminal completion, retry,
// exhaustion, and parking, then notifies observers.
func (c *Client) finishSession(sess *session, evt CloseEvent, cause error) {
	c.mu.Lock()
	if c.session != sess {
		// Torn down locally; Disconnect already owns the transition.
		c.mu.Unlock()
		return
	}
	c.session = nil
	sess.cancel()
	transport := sess.transport

	if evt.WasClean {
		c.setStatusLocked(StatusDisconnected, closeReason(evt))
	} else {
		c.setStatusLocked(StatusError, closeReason(evt))
	}

	terminal := evt.WasClean && evt.Code == normalClosure && evt.HadData
	var exhausted bool
	switch {
	case terminal:
		// Server finished the stream; stay down until asked again.
	case c.subscriberCount() == 0:
		// Nobody is listening; the next Subscribe redials.
	case c.attempts >= maxReconnectAttempts:
		exhausted = true
		c.setStatusLocked(StatusIdle, "reconnect budget exhausted")
	default:
		c.scheduleRetryLocked()
	}
	c.mu.Unlock()

	if transport != nil {
		_ = transport.Close("session ended")
	}
	c.metrics.recordSessionClose(context.Background(), evt)
	c.counters.IncrementSessionCloses(strconv.Itoa(evt.Code))

	if cause != nil {
		c.notifyError(cause)
	}
	if exhausted {
		c.metrics.recordReconnect(context.Background(), "exhausted", maxReconnectAttempts)
		c.notifyError(errs.New("feed/reconnect", errs.CodeExhausted,
			errs.WithEndpoint(c.endpoint),
			errs.WithAttempt(maxReconnectAttempts),
			errs.WithMessage("reconnect attempts exhausted")))
	}
	c.notifyClose(evt)
}

func closeReason(evt CloseEvent) string {
	return fmt.Sprintf("close code %d", evt.Code)
}

func (c *Client) subscriberCount() int {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	return len(c.dataSubs)
}

// scheduleRetryLocked arms the single retry timer, replacing any pending one.
func (c *Client) scheduleRetryLocked() {
	c.attempts++
	attempt := c.attempts
	delay := c.reconnect.NextBackOff()
	if delay == backoff.Stop {
		delay = maxReconnectInterval
	}
	c.stopRetryTimerLocked()
	c.retryTimer = time.AfterFunc(delay, c.retryFire)

	c.metrics.recordReconnect(context.Background(), "scheduled", attempt)
	c.counters.IncrementReconnects()
	observability.Log().Info("feed reconnect scheduled",
		observability.Field{Key: "attempt", Value: attempt},
		observability.Field{Key: "delay", Value: delay.String()})
}

func (c *Client) retryFire() {
	c.mu.Lock()
	c.retryTimer = nil
	if c.status == StatusConnected || c.status == StatusConnecting {
		c.mu.Unlock()
		return
	}
	if c.subscriberCount() == 0 {
		c.setStatusLocked(StatusIdle, "no subscribers remain")
		c.mu.Unlock()
		return
	}
	c.startSessionLocked("reconnect")
	c.mu.Unlock()
}

func (c *Client) stopRetryTimerLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

func (c *Client) setStatusLocked(to Status, reason string) {
	from := c.status
	if from == to {
		return
	}
	c.status = to

	tr := Transition{From: from, To: to, Reason: reason, At: time.Now()}
	if err := c.statusBus.Publish(context.Background(), tr); err != nil {
		observability.Log().Debug("status transition dropped",
			observability.Field{Key: "error", Value: err.Error()})
	}
	c.metrics.recordTransition(context.Background(), from, to)
	observability.Log().Info("feed status",
		observability.Field{Key: "from", Value: string(from)},
		observability.Field{Key: "to", Value: string(to)},
		observability.Field{Key: "reason", Value: reason})
}

func (c *Client) notifyError(err error) {
	c.regMu.Lock()
	observers := make([]ErrorHandler, 0, len(c.errSubs))
	for _, fn := range c.errSubs {
		observers = append(observers, fn)
	}
	c.regMu.Unlock()
	for _, fn := range observers {
		c.safeNotify(func() { fn(err) })
	}
}

func (c *Client) notifyClose(evt CloseEvent) {
	c.regMu.Lock()
	observers := make([]CloseHandler, 0, len(c.closeSubs))
	for _, fn := range c.closeSubs {
		observers = append(observers, fn)
	}
	c.regMu.Unlock()
	for _, fn := range observers {
		c.safeNotify(func() { fn(evt) })
	}
}

func (c *Client) safeNotify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			observability.Log().Error("observer panic",
				observability.Field{Key: "panic", Value: fmt.Sprint(r)})
		}
	}()
	fn()
}
