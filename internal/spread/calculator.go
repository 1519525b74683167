package spread

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const (
	cacheCapacity   = 1000
	cacheEvictBatch = 100
	seriesChunkSize = 50
)

// Result carries both spread directions for a venue pair at one instant.
// Direct measures venue B against venue A, Reverse the opposite.
type Result struct {
	Direct    decimal.NullDecimal
	Reverse   decimal.NullDecimal
	Timestamp time.Time
}

// Calculator memoizes spread results per (instant, venue pair, algorithm).
// Identical inputs return the identical *Result, so callers can use pointer
// equality to detect memo hits.
type Calculator struct {
	mu      sync.Mutex
	entries map[cacheKey]*Result
	order   []cacheKey
}

type cacheKey struct {
	ts   int64
	pair string
	algo Algorithm
}

// NewCalculator constructs a calculator with an empty memo cache.
func NewCalculator() *Calculator {
	return &Calculator{
		entries: make(map[cacheKey]*Result, cacheCapacity),
		order:   make([]cacheKey, 0, cacheCapacity),
	}
}

// Compute returns the spread pair for two venue quotes observed at ts,
// serving repeats from the memo cache.
func (c *Calculator) Compute(ts time.Time, a, b Quote, algo Algorithm) *Result {
	key := cacheKey{ts: ts.UnixNano(), pair: a.Source + "|" + b.Source, algo: algo}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.entries[key]; ok {
		return cached
	}

	priceA := a.Price(algo)
	priceB := b.Price(algo)
	result := &Result{
		Direct:    Percent(priceA, priceB),
		Reverse:   Percent(priceB, priceA),
		Timestamp: ts,
	}
	c.insert(key, result)
	return result
}

// Len reports the number of memoized results.
func (c *Calculator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Calculator) insert(key cacheKey, result *Result) {
	if len(c.entries) >= cacheCapacity {
		c.evictOldest(cacheEvictBatch)
	}
	c.entries[key] = result
	c.order = append(c.order, key)
}

// evictOldest drops the n oldest entries in insertion order in one pass.
func (c *Calculator) evictOldest(n int) {
	if n > len(c.order) {
		n = len(c.order)
	}
	for _, key := range c.order[:n] {
		delete(c.entries, key)
	}
	c.order = append(c.order[:0], c.order[n:]...)
}

// SeriesPoint pairs two venue quotes observed at one instant.
type SeriesPoint struct {
	Timestamp time.Time
	A         Quote
	B         Quote
}

// ComputeSeries evaluates points in fixed-size chunks, preserving input
// order. Cancellation is honoured between chunks; the results computed so
// far are returned alongside the context error.
func (c *Calculator) ComputeSeries(ctx context.Context, points []SeriesPoint, algo Algorithm) ([]*Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	results := make([]*Result, 0, len(points))
	for start := 0; start < len(points); start += seriesChunkSize {
		if err := ctx.Err(); err != nil {
			return results, fmt.Errorf("spread series cancelled: %w", err)
		}
		end := start + seriesChunkSize
		if end > len(points) {
			end = len(points)
		}
		for _, point := range points[start:end] {
			results = append(results, c.Compute(point.Timestamp, point.A, point.B, algo))
		}
	}
	return results, nil
}
