package memory

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/lksnext-ai-lab/ai-core-tools-sub001/plugin/llm"
)

const (
	// DefaultEncoding is the tokenizer used when none is configured.
	DefaultEncoding = "cl100k_base"

	// MessageOverhead is the per-message token cost charged by chat models.
	MessageOverhead = 4

	// encodingRetryInterval is how long a failed encoding load is reused
	// before loading again.
	encodingRetryInterval = time.Minute
)

// TokenCounter counts the tokens of a text.
type TokenCounter func(text string) (int, error)

// Estimator estimates token counts for message histories.
type Estimator struct {
	encoding string
	counter  TokenCounter

	// load fetches the encoding; tiktoken downloads it on first use.
	load func(encoding string) (*tiktoken.Tiktoken, error)
	now  func() time.Time

	mu       sync.Mutex
	tk       *tiktoken.Tiktoken
	tkErr    error
	failedAt time.Time
}

// NewEstimator returns an estimator backed by the named tiktoken encoding.
// The encoding is loaded lazily on first use.
func NewEstimator(encoding string) *Estimator {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	return &Estimator{encoding: encoding, load: tiktoken.GetEncoding, now: time.Now}
}

// NewEstimatorWithCounter returns an estimator using counter instead of tiktoken.
func NewEstimatorWithCounter(counter TokenCounter) *Estimator {
	return &Estimator{encoding: "custom", counter: counter}
}

// CountTokens returns the estimated token count of messages. It never fails:
// when the tokenizer is unavailable it falls back to FallbackCount.
func (e *Estimator) CountTokens(messages []llm.Message) int {
	if len(messages) == 0 {
		return 0
	}
	if e == nil {
		return FallbackCount(messages)
	}
	total, err := e.count(messages)
	if err != nil {
		slog.Debug("token estimation fell back to character count", "encoding", e.encoding, "err", err)
		return FallbackCount(messages)
	}
	return total
}

func (e *Estimator) count(messages []llm.Message) (total int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tokenizer panic: %v", r)
		}
	}()
	counter, err := e.tokenCounter()
	if err != nil {
		return 0, err
	}
	for _, m := range messages {
		n, err := counter(m.Content.Text())
		if err != nil {
			return 0, err
		}
		total += n + MessageOverhead
	}
	return total, nil
}

func (e *Estimator) tokenCounter() (TokenCounter, error) {
	if e.counter != nil {
		return e.counter, nil
	}
	tk, err := e.encodingOrRetry()
	if err != nil {
		return nil, fmt.Errorf("load encoding %s: %w", e.encoding, err)
	}
	return func(text string) (int, error) {
		return len(tk.Encode(text, nil, nil)), nil
	}, nil
}

// encodingOrRetry returns the loaded encoding. A failed load is remembered
// for encodingRetryInterval and then attempted again.
func (e *Estimator) encodingOrRetry() (*tiktoken.Tiktoken, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tk != nil {
		return e.tk, nil
	}
	now := e.now()
	if e.tkErr != nil && now.Sub(e.failedAt) < encodingRetryInterval {
		return nil, e.tkErr
	}
	e.tk, e.tkErr = e.load(e.encoding)
	if e.tkErr != nil {
		e.tk = nil
		e.failedAt = now
		slog.Warn("tiktoken encoding unavailable", "encoding", e.encoding, "retry_in", encodingRetryInterval, "err", e.tkErr)
	}
	return e.tk, e.tkErr
}

// FallbackCount approximates tokens as a quarter of the concatenated text length.
func FallbackCount(messages []llm.Message) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.Content.Text())
	}
	return chars / 4
}
