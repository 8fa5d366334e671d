// Package stream reveals a complete assistant reply incrementally, in
// fixed-size character batches at a fixed interval, to emulate live
// generation. The contract is deliberately "full text in, chunks out":
// the reply has already been fully received when streaming begins.
package stream

import (
	"time"
	"unicode/utf8"
)

const (
	DefaultBatchSize = 3
	DefaultInterval  = 30 * time.Millisecond
)

// Canceller is the cooperative cancellation signal checked between
// batches. A nil Canceller streams to completion.
type Canceller interface {
	Cancelled() bool
}

type Streamer struct {
	batchSize int
	interval  time.Duration
}

func New(batchSize int, interval time.Duration) *Streamer {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Streamer{batchSize: batchSize, interval: interval}
}

// Stream splits fullText into batches of batchSize runes and delivers
// them through onChunk, sleeping for the configured interval between
// batches. Cancellation is observed before each batch; on cancellation
// the text revealed so far is left as-is and Stream reports false.
// A reply of L runes produces exactly ceil(L/B) onChunk calls.
func (s *Streamer) Stream(fullText string, onChunk func(batch string), cancel Canceller) bool {
	if s == nil || onChunk == nil {
		return false
	}
	if fullText == "" {
		return cancel == nil || !cancel.Cancelled()
	}

	runes := []rune(fullText)
	for start := 0; start < len(runes); start += s.batchSize {
		if cancel != nil && cancel.Cancelled() {
			return false
		}
		if start > 0 {
			time.Sleep(s.interval)
			// Re-check after the suspension point: the token may have been
			// invalidated while sleeping.
			if cancel != nil && cancel.Cancelled() {
				return false
			}
		}
		end := start + s.batchSize
		if end > len(runes) {
			end = len(runes)
		}
		onChunk(string(runes[start:end]))
	}
	return true
}

// BatchCount reports how many visible intermediate states a text of this
// length produces.
func (s *Streamer) BatchCount(fullText string) int {
	if s == nil {
		return 0
	}
	n := utf8.RuneCountInString(fullText)
	if n == 0 {
		return 0
	}
	return (n + s.batchSize - 1) / s.batchSize
}
