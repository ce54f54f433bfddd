// Package tokens provides model-aware token counting for budget enforcement.
package tokens

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/troupeai/troupe/pkg/llms"
)

// Counter counts tokens with the encoding matching one model.
type Counter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

var (
	// Encodings are expensive to build; cache them per model.
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.Mutex
)

// NewCounter creates a counter for the given model. Models without a known
// tiktoken mapping fall back to cl100k_base, which approximates closely
// enough for budget purposes.
func NewCounter(model string) (*Counter, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	if cached, ok := encodingCache[model]; ok {
		return &Counter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get encoding: %w", err)
		}
	}
	encodingCache[model] = encoding
	return &Counter{encoding: encoding, model: model}, nil
}

// Model returns the model this counter was built for.
func (c *Counter) Model() string {
	return c.model
}

// Count returns the token count for text. A nil counter estimates.
func (c *Counter) Count(text string) int {
	if c == nil || c.encoding == nil {
		return Estimate(text)
	}
	return len(c.encoding.Encode(text, nil, nil))
}

// CountMessages counts tokens across a message list, including the per-message
// role framing overhead of chat wire formats.
func (c *Counter) CountMessages(messages []llms.Message) int {
	if c == nil || c.encoding == nil {
		total := 3
		for _, m := range messages {
			total += 3 + Estimate(string(m.Role)) + Estimate(m.Content)
		}
		return total
	}

	const tokensPerMessage = 3
	total := 0
	for _, m := range messages {
		total += tokensPerMessage
		total += len(c.encoding.Encode(string(m.Role), nil, nil))
		total += len(c.encoding.Encode(m.Content, nil, nil))
	}
	// Reply priming.
	total += 3
	return total
}

// Estimate is the rough chars/4 heuristic used when no encoding is loaded.
func Estimate(text string) int {
	return len(text) / 4
}
