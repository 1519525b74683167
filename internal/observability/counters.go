package observability

import "sync"

// FeedCountersSnapshot captures feed-focused runtime counters.
type FeedCountersSnapshot struct {
	Messages       int64            `json:"messages"`
	MessageBytes   int64            `json:"message_bytes"`
	Frames         map[string]int64 `json:"frames"`
	DecodeFailures int64            `json:"decode_failures"`
	Datasets       int64            `json:"datasets"`
	Reconnects     int64            `json:"reconnects"`
	SessionCloses  map[string]int64 `json:"session_closes"`
}

// FeedCounters accumulates feed counters in-memory for the status surface.
type FeedCounters struct {
	mu   sync.Mutex
	feed FeedCountersSnapshot
}

// NewFeedCounters constructs a counter accumulator with empty maps.
func NewFeedCounters() *FeedCounters {
	counters := new(FeedCounters)
	counters.feed = FeedCountersSnapshot{
		Messages:       0,
		MessageBytes:   0,
		Frames:         make(map[string]int64),
		DecodeFailures: 0,
		Datasets:       0,
		Reconnects:     0,
		SessionCloses:  make(map[string]int64),
	}
	return counters
}

// RecordMessage counts one received payload and its size.
func (c *FeedCounters) RecordMessage(bytes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.feed.Messages++
	if bytes > 0 {
		c.feed.MessageBytes += int64(bytes)
	}
}

// AddFrames accumulates frame items for a codec classification.
func (c *FeedCounters) AddFrames(class string, count int) {
	if count == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.feed.Frames[class] += int64(count)
}

// IncrementDecodeFailures counts one payload rejected as unparseable.
func (c *FeedCounters) IncrementDecodeFailures() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.feed.DecodeFailures++
}

// IncrementDatasets counts one dataset delivered to subscribers.
func (c *FeedCounters) IncrementDatasets() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.feed.Datasets++
}

// IncrementReconnects counts one scheduled reconnect attempt.
func (c *FeedCounters) IncrementReconnects() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.feed.Reconnects++
}

// IncrementSessionCloses counts one session close under its close code.
func (c *FeedCounters) IncrementSessionCloses(code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.feed.SessionCloses[code]++
}

// Snapshot copies the current counter state for reporting.
func (c *FeedCounters) Snapshot() FeedCountersSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := FeedCountersSnapshot{
		Messages:       c.feed.Messages,
		MessageBytes:   c.feed.MessageBytes,
		Frames:         make(map[string]int64, len(c.feed.Frames)),
		DecodeFailures: c.feed.DecodeFailures,
		Datasets:       c.feed.Datasets,
		Reconnects:     c.feed.Reconnects,
		SessionCloses:  make(map[string]int64, len(c.feed.SessionCloses)),
	}
	for k, v := range c.feed.Frames {
		snapshot.Frames[k] = v
	}
	for k, v := range c.feed.SessionCloses {
		snapshot.SessionCloses[k] = v
	}
	return snapshot
}
