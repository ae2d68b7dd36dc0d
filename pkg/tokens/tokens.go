// Package tokens counts tokens with tiktoken and trims transcript windows to a token budget.
package tokens

import (
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"interviewer/pkg/proto"
)

// Counter counts tokens for prompt budgeting. Every provider is approximated with the GPT-4
// encoding, which is close enough for windowing.
type Counter struct {
	codec tokenizer.Codec
}

var (
	defaultOnce    sync.Once
	defaultCounter *Counter
)

// NewCounter creates a counter backed by the GPT-4 encoding.
func NewCounter() (*Counter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec: %w", err)
	}
	return &Counter{codec: codec}, nil
}

// Default returns a shared counter. If the codec cannot be loaded the counter estimates
// four characters per token.
func Default() *Counter {
	defaultOnce.Do(func() {
		c, err := NewCounter()
		if err != nil {
			c = &Counter{}
		}
		defaultCounter = c
	})
	return defaultCounter
}

// Count returns the number of tokens in text.
func (c *Counter) Count(text string) int {
	if c == nil || c.codec == nil {
		return len(text) / 4
	}
	n, err := c.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}

// Window returns the most recent visible turns that fit within maxTurns and maxTokens, in
// their original order. Zero limits mean unbounded.
func (c *Counter) Window(turns []proto.TurnRecord, maxTurns, maxTokens int) []proto.TurnRecord {
	var (
		picked []proto.TurnRecord
		used   int
	)
	for i := len(turns) - 1; i >= 0; i-- {
		if !turns[i].Visible() {
			continue
		}
		if maxTurns > 0 && len(picked) >= maxTurns {
			break
		}
		cost := c.Count(turns[i].Text) + 4 // speaker label and separators
		if maxTokens > 0 && used+cost > maxTokens && len(picked) > 0 {
			break
		}
		used += cost
		picked = append(picked, turns[i])
	}

	for l, r := 0, len(picked)-1; l < r; l, r = l+1, r-1 {
		picked[l], picked[r] = picked[r], picked[l]
	}
	return picked
}
