package feed

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/spreadfeed/errs"
	"github.com/coachpo/spreadfeed/internal/schema"
)

const defaultMockInterval = 2 * time.Second

// MockConfig shapes the synthetic feed.
type MockConfig struct {
	// Interval between frames. Defaults to 2s.
	Interval time.Duration
	// Tokens to emit rows for. Defaults to a small fixed set.
	Tokens []string
	// Network stamped on every row. Defaults to solana.
	Network schema.Network
	// Seed fixes the price walk; 0 seeds from the clock.
	Seed int64
}

// MockDialer returns a dialer that serves synthetic quote rows instead of a
// live feed. The first frame is a connected control frame, then row frames
// follow at the configured interval. Prices follow a small random walk so
// spreads move between frames.
func MockDialer(cfg MockConfig) DialFunc {
	return func(ctx context.Context, endpoint string) (Transport, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return newMockTransport(cfg), nil
	}
}

type mockTransport struct {
	interval time.Duration
	tokens   []string
	network  schema.Network
	rng      *rand.Rand

	mu     sync.Mutex
	prices map[string]decimal.Decimal
	sent   bool

	done     chan struct{}
	closeOne sync.Once
}

var mockBasePrices = map[string]decimal.Decimal{
	"SOL":  decimal.NewFromFloat(150.0),
	"ETH":  decimal.NewFromFloat(2500.0),
	"BONK": decimal.NewFromFloat(0.000021),
}

func newMockTransport(cfg MockConfig) *mockTransport {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultMockInterval
	}
	tokens := make([]string, 0, len(cfg.Tokens))
	for _, token := range cfg.Tokens {
		normalized := schema.NormalizeSymbol(token)
		if normalized != "" {
			tokens = append(tokens, normalized)
		}
	}
	if len(tokens) == 0 {
		tokens = []string{"SOL", "ETH", "BONK"}
	}
	network := cfg.Network
	if network == "" {
		network = schema.NetworkSolana
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	prices := make(map[string]decimal.Decimal, len(tokens))
	for _, token := range tokens {
		base, ok := mockBasePrices[token]
		if !ok {
			base = decimal.NewFromInt(int64(10 + len(token)))
		}
		prices[token] = base
	}

	return &mockTransport{
		interval: interval,
		tokens:   tokens,
		network:  network,
		rng:      rand.New(rand.NewSource(seed)),
		prices:   prices,
		done:     make(chan struct{}),
	}
}

func (m *mockTransport) Read(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	first := !m.sent
	m.sent = true
	m.mu.Unlock()
	if first {
		return []byte(`{"type":"connected"}`), nil
	}

	timer := time.NewTimer(m.interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.done:
		return nil, errs.New("feed/mock", errs.CodeNetwork, errs.WithMessage("mock transport closed"))
	case <-timer.C:
	}
	return m.frame(), nil
}

func (m *mockTransport) Close(reason string) error {
	m.closeOne.Do(func() { close(m.done) })
	return nil
}

// frame emits one row per token, walking each price by up to ±0.5% and
// spreading the venues by up to ±0.4%.
func (m *mockTransport) frame() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := make([]schema.QuoteRow, 0, len(m.tokens))
	for _, token := range m.tokens {
		price := m.walk(m.prices[token], 0.005)
		m.prices[token] = price
		other := m.walk(price, 0.004)

		spread := decimal.Zero
		if !price.IsZero() {
			spread = other.Sub(price).Div(price).Mul(decimal.NewFromInt(100))
		}

		rows = append(rows, schema.QuoteRow{
			Token:     token,
			Network:   m.network,
			AExchange: "jupiter",
			BExchange: "mexc",
			PriceA:    price.String(),
			PriceB:    other.String(),
			Spread:    spread.Round(4).String(),
			Limit:     schema.LimitAll,
		})
	}

	payload, err := json.Marshal(rows)
	if err != nil {
		// Rows are plain strings; marshalling cannot realistically fail.
		return []byte(fmt.Sprintf(`[{"error":%q}]`, err.Error()))
	}
	return payload
}

func (m *mockTransport) walk(price decimal.Decimal, width float64) decimal.Decimal {
	jitter := (m.rng.Float64()*2 - 1) * width
	factor := decimal.NewFromFloat(1 + jitter)
	return price.Mul(factor)
}
