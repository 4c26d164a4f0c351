// Package tokens counts model tokens for cost attribution. Counting uses
// tiktoken encodings where one loads, and a characters/4 estimate otherwise;
// attribution needs consistency more than exactness.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// MessageOverhead is the per-message wrapping cost in OpenAI-style chat
// encodings; one extra primes the reply.
const MessageOverhead = 3

// Counter counts tokens against one model's encoding. A nil Counter, or one
// whose encoding failed to load, falls back to estimation.
type Counter struct {
	enc *tiktoken.Tiktoken
}

var (
	cacheMu sync.RWMutex
	cache   = map[string]*tiktoken.Tiktoken{}
)

// ForModel returns the Counter for a model, trying the model's own encoding,
// then cl100k_base. Failed lookups are cached so offline runs do not retry
// the encoding fetch per call.
func ForModel(model string) *Counter {
	cacheMu.RLock()
	enc, ok := cache[model]
	cacheMu.RUnlock()
	if ok {
		return &Counter{enc: enc}
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			enc = nil
		}
	}

	cacheMu.Lock()
	cache[model] = enc
	cacheMu.Unlock()
	return &Counter{enc: enc}
}

// Count returns the token count of text.
func (c *Counter) Count(text string) int {
	if c == nil || c.enc == nil {
		return Estimate(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

// CountMessage returns the token cost of one chat message including the
// format overhead.
func (c *Counter) CountMessage(role, content string) int {
	return MessageOverhead + c.Count(role) + c.Count(content)
}

// Estimate is the rough character-based token estimate used when no
// encoding is available.
func Estimate(text string) int {
	return len(text) / 4
}
