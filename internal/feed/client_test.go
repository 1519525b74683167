package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/spreadfeed/errs"
	"github.com/coachpo/spreadfeed/internal/schema"
)

type fakeTransport struct {
	frames chan []byte
	errCh  chan error
	closed chan struct{}
	once   sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		frames: make(chan []byte, 16),
		errCh:  make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case frame := <-f.frames:
		return frame, nil
	case err := <-f.errCh:
		return nil, err
	case <-f.closed:
		return nil, errors.New("transport closed")
	}
}

func (f *fakeTransport) Close(reason string) error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) push(frame string) { f.frames <- []byte(frame) }

func (f *fakeTransport) fail(err error) { f.errCh <- err }

func fastBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Millisecond
	bo.RandomizationFactor = 0
	bo.Multiplier = 1
	bo.MaxInterval = time.Millisecond
	return bo
}

func slowBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Hour
	bo.RandomizationFactor = 0
	bo.Multiplier = 1
	bo.MaxInterval = time.Hour
	return bo
}

func testOptions(dial DialFunc) ClientOptions {
	return ClientOptions{
		Endpoint:       "ws://feed.test/ws",
		ConnectTimeout: time.Second,
		StatusBuffer:   32,
		Dial:           dial,
		NewBackOff:     fastBackOff,
	}
}

// announcingDialer hands each dialed transport to the test.
func announcingDialer(dials *atomic.Int32, dialed chan *fakeTransport) DialFunc {
	return func(ctx context.Context, endpoint string) (Transport, error) {
		dials.Add(1)
		ft := newFakeTransport()
		dialed <- ft
		return ft, nil
	}
}

func await[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func rowFrame(tokens ...string) string {
	items := make([]string, 0, len(tokens))
	for _, token := range tokens {
		items = append(items, fmt.Sprintf(
			`{"token":%q,"aExchange":"jupiter","bExchange":"mexc","priceA":"100","priceB":"101","spread":"1","network":"solana","limit":"all"}`,
			token))
	}
	return "[" + strings.Join(items, ",") + "]"
}

func TestNewClientRequiresEndpoint(t *testing.T) {
	_, err := NewClient(ClientOptions{Endpoint: "   "})
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
}

func TestReconnectBackOffSchedule(t *testing.T) {
	bo := newReconnectBackOff()
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, expect := range want {
		require.Equalf(t, expect, bo.NextBackOff(), "attempt %d", i+1)
	}
	bo.Reset()
	require.Equal(t, time.Second, bo.NextBackOff())
}

func TestSubscribeConnectsAndDelivers(t *testing.T) {
	var dials atomic.Int32
	dialed := make(chan *fakeTransport, 4)
	c, err := NewClient(testOptions(announcingDialer(&dials, dialed)))
	require.NoError(t, err)
	defer c.Close()

	got := make(chan []schema.QuoteRow, 8)
	stop := c.Subscribe(func(rows []schema.QuoteRow) { got <- rows })
	defer stop()

	ft := await(t, dialed, "dial")
	require.Eventually(t, c.IsConnected, 2*time.Second, 5*time.Millisecond)

	ft.push(rowFrame("SOL", "ETH"))
	rows := await(t, got, "first delivery")
	require.Len(t, rows, 2)
	require.Equal(t, "SOL", rows[0].Token)
	require.Equal(t, "ETH", rows[1].Token)
	require.EqualValues(t, 1, dials.Load())
}

func TestSecondSubscriberGetsSynchronousReplay(t *testing.T) {
	var dials atomic.Int32
	dialed := make(chan *fakeTransport, 4)
	c, err := NewClient(testOptions(announcingDialer(&dials, dialed)))
	require.NoError(t, err)
	defer c.Close()

	first := make(chan []schema.QuoteRow, 8)
	stop := c.Subscribe(func(rows []schema.QuoteRow) { first <- rows })
	defer stop()

	ft := await(t, dialed, "dial")
	ft.push(rowFrame("SOL", "ETH"))
	require.Len(t, await(t, first, "first delivery"), 2)

	var replayed []schema.QuoteRow
	seen := false
	stopLate := c.Subscribe(func(rows []schema.QuoteRow) {
		if !seen {
			replayed = rows
			seen = true
		}
	})
	defer stopLate()

	// Replay completed before Subscribe returned, on the caller's goroutine.
	require.Len(t, replayed, 2)
	require.Equal(t, "SOL", replayed[0].Token)
	require.EqualValues(t, 1, dials.Load())
}

func TestReplayReplacedOnlyByValidRows(t *testing.T) {
	var dials atomic.Int32
	dialed := make(chan *fakeTransport, 4)
	c, err := NewClient(testOptions(announcingDialer(&dials, dialed)))
	require.NoError(t, err)
	defer c.Close()

	got := make(chan []schema.QuoteRow, 8)
	stop := c.Subscribe(func(rows []schema.QuoteRow) { got <- rows })
	defer stop()

	ft := await(t, dialed, "dial")
	ft.push(rowFrame("AAA", "BBB"))
	require.Len(t, await(t, got, "initial delivery"), 2)

	// Control-only and invalid-only frames deliver nothing and leave the
	// replay buffer alone.
	ft.push(`[{"type":"heartbeat"}]`)
	ft.push(`[{"bogus":true},null,42]`)
	ft.push(rowFrame("CCC"))

	next := await(t, got, "replacement delivery")
	require.Len(t, next, 1)
	require.Equal(t, "CCC", next[0].Token)

	snap := c.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, "CCC", snap[0].Token)

	select {
	case rows := <-got:
		t.Fatalf("unexpected extra delivery: %+v", rows)
	default:
	}
}

func TestSnapshotExposesReplayBuffer(t *testing.T) {
	var dials atomic.Int32
	dialed := make(chan *fakeTransport, 4)
	c, err := NewClient(testOptions(announcingDialer(&dials, dialed)))
	require.NoError(t, err)
	defer c.Close()

	require.Empty(t, c.Snapshot())

	got := make(chan []schema.QuoteRow, 8)
	stop := c.Subscribe(func(rows []schema.QuoteRow) { got <- rows })
	defer stop()

	ft := await(t, dialed, "dial")
	ft.push(rowFrame("SOL", "ETH"))
	delivered := await(t, got, "delivery")

	snap := c.Snapshot()
	require.Len(t, snap, 2)
	require.Same(t, &delivered[0], &snap[0])
}

func TestCleanCloseWithDataIsTerminal(t *testing.T) {
	var dials atomic.Int32
	dialed := make(chan *fakeTransport, 4)
	c, err := NewClient(testOptions(announcingDialer(&dials, dialed)))
	require.NoError(t, err)
	defer c.Close()

	closes := make(chan CloseEvent, 4)
	c.OnClose(func(evt CloseEvent) { closes <- evt })

	got := make(chan []schema.QuoteRow, 8)
	stop := c.Subscribe(func(rows []schema.QuoteRow) { got <- rows })
	defer stop()

	ft := await(t, dialed, "dial")
	ft.push(rowFrame("SOL"))
	await(t, got, "delivery")

	ft.fail(websocket.CloseError{Code: websocket.StatusNormalClosure, Reason: "stream complete"})

	evt := await(t, closes, "close event")
	require.Equal(t, 1000, evt.Code)
	require.True(t, evt.WasClean)
	require.True(t, evt.HadData)
	require.NotEmpty(t, evt.SessionID)

	require.Eventually(t, func() bool { return c.Status() == StatusDisconnected },
		2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, dials.Load(), "terminal close must not redial")
}

func TestCleanCloseWithoutDataReconnects(t *testing.T) {
	var dials atomic.Int32
	dialed := make(chan *fakeTransport, 4)
	c, err := NewClient(testOptions(announcingDialer(&dials, dialed)))
	require.NoError(t, err)
	defer c.Close()

	closes := make(chan CloseEvent, 4)
	c.OnClose(func(evt CloseEvent) { closes <- evt })

	stop := c.Subscribe(func([]schema.QuoteRow) {})
	defer stop()

	ft := await(t, dialed, "dial")
	ft.fail(websocket.CloseError{Code: websocket.StatusNormalClosure, Reason: "bye"})

	evt := await(t, closes, "close event")
	require.True(t, evt.WasClean)
	require.False(t, evt.HadData)

	await(t, dialed, "redial")
	require.Eventually(t, c.IsConnected, 2*time.Second, 5*time.Millisecond)
}

func TestUncleanCloseReconnectsAndResumes(t *testing.T) {
	var dials atomic.Int32
	dialed := make(chan *fakeTransport, 4)
	c, err := NewClient(testOptions(announcingDialer(&dials, dialed)))
	require.NoError(t, err)
	defer c.Close()

	errCh := make(chan error, 8)
	c.OnError(func(err error) { errCh <- err })
	closes := make(chan CloseEvent, 4)
	c.OnClose(func(evt CloseEvent) { closes <- evt })

	got := make(chan []schema.QuoteRow, 8)
	stop := c.Subscribe(func(rows []schema.QuoteRow) { got <- rows })
	defer stop()

	first := await(t, dialed, "dial")
	first.fail(errors.New("connection reset by peer"))

	evt := await(t, closes, "close event")
	require.Equal(t, 1006, evt.Code)
	require.False(t, evt.WasClean)

	err = await(t, errCh, "transport error")
	require.True(t, errs.IsCode(err, errs.CodeNetwork))

	second := await(t, dialed, "redial")
	second.push(rowFrame("SOL"))
	require.Len(t, await(t, got, "post-reconnect delivery"), 1)
}

func TestDialFailureSynthesizesAbnormalClose(t *testing.T) {
	var dials atomic.Int32
	dialed := make(chan *fakeTransport, 4)
	dial := func(ctx context.Context, endpoint string) (Transport, error) {
		if dials.Add(1) <= 2 {
			return nil, errors.New("connection refused")
		}
		ft := newFakeTransport()
		dialed <- ft
		return ft, nil
	}
	c, err := NewClient(testOptions(dial))
	require.NoError(t, err)
	defer c.Close()

	errCh := make(chan error, 8)
	c.OnError(func(err error) { errCh <- err })
	closes := make(chan CloseEvent, 8)
	c.OnClose(func(evt CloseEvent) { closes <- evt })

	stop := c.Subscribe(func([]schema.QuoteRow) {})
	defer stop()

	for i := 0; i < 2; i++ {
		evt := await(t, closes, "synthetic close event")
		require.Equal(t, 1006, evt.Code)
		require.False(t, evt.WasClean)
		require.False(t, evt.HadData)
		require.True(t, errs.IsCode(await(t, errCh, "dial error"), errs.CodeNetwork))
	}

	await(t, dialed, "successful dial")
	require.Eventually(t, c.IsConnected, 2*time.Second, 5*time.Millisecond)
	require.EqualValues(t, 3, dials.Load())
}

func TestConnectTimeoutSurfacesTimeoutError(t *testing.T) {
	dial := func(ctx context.Context, endpoint string) (Transport, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	opts := testOptions(dial)
	opts.ConnectTimeout = 30 * time.Millisecond
	opts.NewBackOff = slowBackOff
	c, err := NewClient(opts)
	require.NoError(t, err)
	defer c.Close()

	errCh := make(chan error, 8)
	c.OnError(func(err error) { errCh <- err })
	closes := make(chan CloseEvent, 4)
	c.OnClose(func(evt CloseEvent) { closes <- evt })

	stop := c.Subscribe(func([]schema.QuoteRow) {})
	defer stop()

	require.True(t, errs.IsCode(await(t, errCh, "timeout error"), errs.CodeTimeout))
	evt := await(t, closes, "close event")
	require.Equal(t, 1006, evt.Code)
	require.False(t, evt.WasClean)
}

func TestReconnectExhaustion(t *testing.T) {
	var dials atomic.Int32
	dial := func(ctx context.Context, endpoint string) (Transport, error) {
		dials.Add(1)
		return nil, errors.New("connection refused")
	}
	c, err := NewClient(testOptions(dial))
	require.NoError(t, err)
	defer c.Close()

	errCh := make(chan error, 32)
	c.OnError(func(err error) { errCh <- err })

	stop := c.Subscribe(func([]schema.QuoteRow) {})
	defer stop()

	deadline := time.After(5 * time.Second)
	var exhausted error
	for exhausted == nil {
		select {
		case err := <-errCh:
			if errs.IsCode(err, errs.CodeExhausted) {
				exhausted = err
			}
		case <-deadline:
			t.Fatal("timed out waiting for exhaustion")
		}
	}

	require.EqualValues(t, 11, dials.Load(), "initial dial plus ten retries")
	require.Eventually(t, func() bool { return c.Status() == StatusIdle },
		2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 11, dials.Load(), "no dialing after exhaustion")
	for {
		select {
		case err := <-errCh:
			require.False(t, errs.IsCode(err, errs.CodeExhausted), "exhaustion must fire once")
		default:
			return
		}
	}
}

func TestRetryAbandonedWithoutSubscribers(t *testing.T) {
	var dials atomic.Int32
	dialed := make(chan *fakeTransport, 4)
	c, err := NewClient(testOptions(announcingDialer(&dials, dialed)))
	require.NoError(t, err)
	defer c.Close()

	stop := c.Subscribe(func([]schema.QuoteRow) {})
	ft := await(t, dialed, "dial")
	require.Eventually(t, c.IsConnected, 2*time.Second, 5*time.Millisecond)

	stop()
	ft.fail(errors.New("connection reset by peer"))

	require.Eventually(t, func() bool { return c.Status() == StatusError },
		2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, dials.Load(), "no retry without subscribers")
}

func TestDisconnectCancelsPendingRetry(t *testing.T) {
	var dials atomic.Int32
	dial := func(ctx context.Context, endpoint string) (Transport, error) {
		dials.Add(1)
		return nil, errors.New("connection refused")
	}
	opts := testOptions(dial)
	opts.NewBackOff = slowBackOff
	c, err := NewClient(opts)
	require.NoError(t, err)
	defer c.Close()

	closes := make(chan CloseEvent, 4)
	c.OnClose(func(evt CloseEvent) { closes <- evt })

	stop := c.Subscribe(func([]schema.QuoteRow) {})
	defer stop()

	await(t, closes, "close event")
	c.Disconnect()
	require.Equal(t, StatusIdle, c.Status())

	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, dials.Load(), "pending retry must be cancelled")

	c.Connect()
	require.Eventually(t, func() bool { return dials.Load() >= 2 },
		2*time.Second, 5*time.Millisecond)
}

func TestConnectWhileLiveIsNoop(t *testing.T) {
	var dials atomic.Int32
	dialed := make(chan *fakeTransport, 4)
	c, err := NewClient(testOptions(announcingDialer(&dials, dialed)))
	require.NoError(t, err)
	defer c.Close()

	stop := c.Subscribe(func([]schema.QuoteRow) {})
	defer stop()
	await(t, dialed, "dial")
	require.Eventually(t, c.IsConnected, 2*time.Second, 5*time.Millisecond)

	c.Connect()
	time.Sleep(30 * time.Millisecond)
	require.EqualValues(t, 1, dials.Load())
	require.True(t, c.IsConnected())
}

func TestUnsubscribeFromCallbackAndIdempotent(t *testing.T) {
	var dials atomic.Int32
	dialed := make(chan *fakeTransport, 4)
	c, err := NewClient(testOptions(announcingDialer(&dials, dialed)))
	require.NoError(t, err)
	defer c.Close()

	received := make(chan []schema.QuoteRow, 4)
	var stop func()
	stop = c.Subscribe(func(rows []schema.QuoteRow) {
		received <- rows
		stop()
	})

	other := make(chan []schema.QuoteRow, 4)
	stopOther := c.Subscribe(func(rows []schema.QuoteRow) { other <- rows })
	defer stopOther()

	ft := await(t, dialed, "dial")
	ft.push(rowFrame("AAA"))
	await(t, received, "first delivery")
	await(t, other, "first delivery to second subscriber")

	ft.push(rowFrame("BBB"))
	second := await(t, other, "second delivery")
	require.Equal(t, "BBB", second[0].Token)

	select {
	case rows := <-received:
		t.Fatalf("released subscriber still delivered: %+v", rows)
	default:
	}

	stop()
}

func TestSubscriberPanicIsolated(t *testing.T) {
	var dials atomic.Int32
	dialed := make(chan *fakeTransport, 4)
	c, err := NewClient(testOptions(announcingDialer(&dials, dialed)))
	require.NoError(t, err)
	defer c.Close()

	stopPanic := c.Subscribe(func([]schema.QuoteRow) { panic("subscriber boom") })
	defer stopPanic()

	good := make(chan []schema.QuoteRow, 4)
	stopGood := c.Subscribe(func(rows []schema.QuoteRow) { good <- rows })
	defer stopGood()

	ft := await(t, dialed, "dial")
	ft.push(rowFrame("AAA"))
	require.Len(t, await(t, good, "first delivery"), 1)

	ft.push(rowFrame("BBB"))
	require.Len(t, await(t, good, "second delivery"), 1)
	require.True(t, c.IsConnected())
}

func TestStatusTransitionsObserved(t *testing.T) {
	var dials atomic.Int32
	dialed := make(chan *fakeTransport, 4)
	c, err := NewClient(testOptions(announcingDialer(&dials, dialed)))
	require.NoError(t, err)
	defer c.Close()

	trCh, err := c.StatusTransitions(context.Background())
	require.NoError(t, err)

	stop := c.Subscribe(func([]schema.QuoteRow) {})
	defer stop()
	await(t, dialed, "dial")

	first := await(t, trCh, "first transition")
	require.Equal(t, StatusIdle, first.From)
	require.Equal(t, StatusConnecting, first.To)

	second := await(t, trCh, "second transition")
	require.Equal(t, StatusConnecting, second.From)
	require.Equal(t, StatusConnected, second.To)
	require.False(t, second.At.IsZero())
}

func TestCountersAndRejectsTrackBadPayloads(t *testing.T) {
	var dials atomic.Int32
	dialed := make(chan *fakeTransport, 1)
	c, err := NewClient(testOptions(announcingDialer(&dials, dialed)))
	require.NoError(t, err)
	defer c.Close()

	got := make(chan []schema.QuoteRow, 4)
	stop := c.Subscribe(func(rows []schema.QuoteRow) { got <- rows })
	defer stop()

	ft := await(t, dialed, "dial")
	ft.push(`{"type":"ping"}`)
	ft.push(`{garbled`)
	ft.push(`[{"bogus":true},null]`)
	ft.push(rowFrame("SOL"))

	// Frames are processed in order, so the delivery proves the bad
	// payloads have been accounted for.
	require.Len(t, await(t, got, "delivery"), 1)

	counters := c.Counters()
	require.EqualValues(t, 4, counters.Messages)
	require.EqualValues(t, 1, counters.DecodeFailures)
	require.EqualValues(t, 1, counters.Datasets)
	require.EqualValues(t, 1, counters.Frames["row"])
	require.EqualValues(t, 1, counters.Frames["control"])
	require.EqualValues(t, 2, counters.Frames["invalid"])

	rejects := c.Rejects()
	require.Len(t, rejects, 2)
	require.Equal(t, "payload is not valid JSON", rejects[0].Reason)
	require.Equal(t, "{garbled", rejects[0].Preview)
	require.Equal(t, "2 invalid frame items", rejects[1].Reason)
	require.Equal(t, `[{"bogus":true},null]`, rejects[1].Preview)
	require.NotEmpty(t, rejects[0].SessionID)
}
