package spread

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal literal %q: %v", s, err)
	}
	return d
}

func nullDec(t *testing.T, s string) decimal.NullDecimal {
	t.Helper()
	return decimal.NullDecimal{Decimal: dec(t, s), Valid: true}
}

func TestPercentDirectionMatters(t *testing.T) {
	// 50100 vs 50000 is a -0.1996% move; the reverse direction is +0.2%.
	down := Percent(dec(t, "50100"), dec(t, "50000"))
	if !down.Valid {
		t.Fatal("expected valid result")
	}
	wantDown := dec(t, "-0.1996")
	if down.Decimal.Sub(wantDown).Abs().GreaterThan(dec(t, "0.0001")) {
		t.Fatalf("expected about -0.1996, got %s", down.Decimal)
	}

	up := Percent(dec(t, "50000"), dec(t, "50100"))
	if !up.Valid {
		t.Fatal("expected valid result")
	}
	if !up.Decimal.Equal(dec(t, "0.2")) {
		t.Fatalf("expected exactly 0.2, got %s", up.Decimal)
	}
}

func TestPercentZeroBaseIsNull(t *testing.T) {
	if got := Percent(decimal.Zero, dec(t, "100")); got.Valid {
		t.Fatalf("expected null result for zero base, got %s", got.Decimal)
	}
}

func TestPercentStrings(t *testing.T) {
	got, err := PercentStrings("100", "101")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Valid || !got.Decimal.Equal(dec(t, "1")) {
		t.Fatalf("expected 1%%, got %+v", got)
	}

	if _, err := PercentStrings("abc", "101"); err == nil {
		t.Fatal("expected error for unparseable priceA")
	}
	if got, err := PercentStrings("100", ""); err == nil || got.Valid {
		t.Fatal("expected null result and error for empty priceB")
	}
}

func TestQuotePriceWeightedNeedsBothSides(t *testing.T) {
	quote := Quote{
		Source: "mexc",
		Last:   dec(t, "100"),
		Bid:    nullDec(t, "99"),
		Ask:    nullDec(t, "101"),
	}
	if got := quote.Price(AlgorithmWeighted); !got.Equal(dec(t, "100")) {
		t.Fatalf("expected midpoint 100, got %s", got)
	}

	quote.Ask = decimal.NullDecimal{}
	if got := quote.Price(AlgorithmWeighted); !got.Equal(dec(t, "100")) {
		t.Fatalf("expected fallback to last, got %s", got)
	}
	if got := quote.Price(AlgorithmLast); !got.Equal(dec(t, "100")) {
		t.Fatalf("expected last price, got %s", got)
	}
}

func TestComputeMemoizesByInstantPairAlgorithm(t *testing.T) {
	calc := NewCalculator()
	ts := time.Unix(1700000000, 0)
	a := Quote{Source: "jupiter", Last: dec(t, "100")}
	b := Quote{Source: "mexc", Last: dec(t, "101")}

	first := calc.Compute(ts, a, b, AlgorithmLast)
	second := calc.Compute(ts, a, b, AlgorithmLast)
	if first != second {
		t.Fatal("expected memo hit to return the identical result")
	}
	if !first.Direct.Valid || !first.Direct.Decimal.Equal(dec(t, "1")) {
		t.Fatalf("expected direct spread 1%%, got %+v", first.Direct)
	}
	if !first.Reverse.Valid {
		t.Fatal("expected valid reverse spread")
	}

	// A different algorithm misses the memo even for the same pair and instant.
	other := calc.Compute(ts, a, b, AlgorithmWeighted)
	if other == first {
		t.Fatal("expected distinct result per algorithm")
	}

	// A different instant misses too.
	later := calc.Compute(ts.Add(time.Second), a, b, AlgorithmLast)
	if later == first {
		t.Fatal("expected distinct result per instant")
	}
}

func TestCacheEvictsOldestBatch(t *testing.T) {
	calc := NewCalculator()
	base := time.Unix(1700000000, 0)
	a := Quote{Source: "jupiter", Last: dec(t, "100")}
	b := Quote{Source: "mexc", Last: dec(t, "101")}

	for i := 0; i < cacheCapacity; i++ {
		calc.Compute(base.Add(time.Duration(i)*time.Millisecond), a, b, AlgorithmLast)
	}
	if got := calc.Len(); got != cacheCapacity {
		t.Fatalf("expected cache at capacity, got %d", got)
	}

	calc.Compute(base.Add(time.Duration(cacheCapacity)*time.Millisecond), a, b, AlgorithmLast)
	want := cacheCapacity - cacheEvictBatch + 1
	if got := calc.Len(); got != want {
		t.Fatalf("expected %d entries after eviction, got %d", want, got)
	}

	// The oldest entry was evicted, so recomputing it allocates a fresh result.
	oldest := calc.Compute(base, a, b, AlgorithmLast)
	if oldest == nil {
		t.Fatal("expected recomputed result")
	}
	if got := calc.Len(); got != want+1 {
		t.Fatalf("expected reinsertion to grow cache, got %d", got)
	}
}

func TestComputeSeriesPreservesOrder(t *testing.T) {
	calc := NewCalculator()
	base := time.Unix(1700000000, 0)

	points := make([]SeriesPoint, 0, 120)
	for i := 0; i < 120; i++ {
		points = append(points, SeriesPoint{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			A:         Quote{Source: "jupiter", Last: dec(t, "100")},
			B:         Quote{Source: "mexc", Last: dec(t, fmt.Sprintf("%d", 100+i))},
		})
	}

	results, err := calc.ComputeSeries(context.Background(), points, AlgorithmLast)
	if err != nil {
		t.Fatalf("series failed: %v", err)
	}
	if len(results) != len(points) {
		t.Fatalf("expected %d results, got %d", len(points), len(results))
	}
	for i, res := range results {
		if !res.Timestamp.Equal(points[i].Timestamp) {
			t.Fatalf("result %d out of order", i)
		}
	}
}

func TestComputeSeriesHonoursCancellation(t *testing.T) {
	calc := NewCalculator()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	points := make([]SeriesPoint, 10)
	for i := range points {
		points[i] = SeriesPoint{
			Timestamp: time.Unix(int64(i), 0),
			A:         Quote{Source: "a", Last: dec(t, "1")},
			B:         Quote{Source: "b", Last: dec(t, "2")},
		}
	}

	results, err := calc.ComputeSeries(ctx, points, AlgorithmLast)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if len(results) != 0 {
		t.Fatalf("expected no results before first chunk, got %d", len(results))
	}
}
