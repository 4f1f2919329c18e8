// Package tokens counts prompt tokens for chat-completion models.
package tokens

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Message is one chat message to be counted.
type Message struct {
	Role    string
	Content string
}

// Counter counts tokens with tiktoken, falling back to a character estimate
// when no encoding can be loaded.
type Counter struct {
	// codecCache caches tokenizer codecs by encoding name
	codecCache map[tokenizer.Encoding]tokenizer.Codec
	cacheMu    sync.RWMutex

	// CharsPerToken is used by the estimate fallback.
	CharsPerToken float64
}

// NewCounter creates a token counter.
func NewCounter() *Counter {
	return &Counter{
		codecCache:    make(map[tokenizer.Encoding]tokenizer.Codec),
		CharsPerToken: 4.0,
	}
}

func (c *Counter) getCodec(model string) (tokenizer.Codec, error) {
	encoding := modelToEncoding(model)

	c.cacheMu.RLock()
	if cached, ok := c.codecCache[encoding]; ok {
		c.cacheMu.RUnlock()
		return cached, nil
	}
	c.cacheMu.RUnlock()

	codec, err := tokenizer.Get(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer encoding: %w", err)
	}

	c.cacheMu.Lock()
	c.codecCache[encoding] = codec
	c.cacheMu.Unlock()

	return codec, nil
}

// modelToEncoding maps model names to encoding names.
//
// Encoding reference:
// - O200kBase: GPT-5, GPT-4.1, GPT-4o, O-series and unknown models
// - Cl100kBase: GPT-4, GPT-3.5-turbo
func modelToEncoding(model string) tokenizer.Encoding {
	model = strings.ToLower(model)

	switch {
	case strings.HasPrefix(model, "gpt-5"),
		strings.HasPrefix(model, "gpt-4.1"),
		strings.HasPrefix(model, "gpt-4o"),
		strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"), strings.HasPrefix(model, "o4"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-4"), strings.HasPrefix(model, "gpt-3.5"):
		return tokenizer.Cl100kBase
	default:
		return tokenizer.O200kBase
	}
}

// CountText counts tokens for a plain text string.
func (c *Counter) CountText(model, text string) (int, error) {
	codec, err := c.getCodec(model)
	if err != nil {
		return 0, err
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// CountMessages counts the prompt tokens of a chat request, including the
// per-message framing overhead and assistant priming. The bool result is
// true when the count is an estimate.
func (c *Counter) CountMessages(model string, messages []Message) (int, bool) {
	// 3 tokens per message, 1 for the role, 3 for assistant priming.
	const tokensPerMessage, tokensPerRole, priming = 3, 1, 3

	codec, err := c.getCodec(model)
	if err != nil {
		return c.estimate(messages), true
	}

	total := priming
	for _, msg := range messages {
		total += tokensPerMessage + tokensPerRole
		ids, _, err := codec.Encode(msg.Content)
		if err != nil {
			return c.estimate(messages), true
		}
		total += len(ids)
	}
	return total, false
}

func (c *Counter) estimate(messages []Message) int {
	chars := 0
	for _, msg := range messages {
		chars += len(msg.Role) + len(msg.Content) + 4
	}
	return int(float64(chars) / c.CharsPerToken)
}
