package tokens

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/flotilla-ai/flotilla/pkg/llm"
)

// Counter provides accurate per-model token counting backed by tiktoken.
// Encodings are cached process-wide since initialization is expensive.
type Counter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// NewCounter creates a counter for a specific model. Unknown models fall
// back to the cl100k_base encoding.
func NewCounter(model string) (*Counter, error) {
	cacheMu.RLock()
	cached, exists := encodingCache[model]
	cacheMu.RUnlock()

	if exists {
		return &Counter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &Counter{encoding: encoding, model: model}, nil
}

// Count returns the token count for text.
func (c *Counter) Count(text string) int {
	return len(c.encoding.Encode(text, nil, nil))
}

// CountMessages counts tokens across messages, including per-message role
// overhead and reply priming.
func (c *Counter) CountMessages(messages []llm.Message) int {
	total := 0
	for _, m := range messages {
		total += 3
		total += len(c.encoding.Encode(string(m.Role), nil, nil))
		total += len(c.encoding.Encode(m.Text(), nil, nil))
	}
	total += 3
	return total
}

// Model returns the model this counter was built for.
func (c *Counter) Model() string {
	return c.model
}
