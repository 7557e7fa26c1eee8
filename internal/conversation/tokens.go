package conversation

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/tjfontaine/dataagent-gateway/internal/domain"
)

// DefaultEncoding is the tokenizer used when none is configured.
const DefaultEncoding = tokenizer.O200kBase

// Per-message framing overhead, as counted for chat models.
const (
	tokensPerMessage = 3
	tokensPerRole    = 1
)

// TokenCounter counts tokens in text.
type TokenCounter interface {
	Count(text string) int
}

// TiktokenCounter counts tokens with a tiktoken encoding.
type TiktokenCounter struct {
	codec tokenizer.Codec
}

// NewTiktokenCounter loads the named encoding (e.g. "o200k_base", "cl100k_base").
// An empty name selects DefaultEncoding.
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	enc := tokenizer.Encoding(strings.ToLower(strings.TrimSpace(encoding)))
	if enc == "" {
		enc = DefaultEncoding
	}
	codec, err := getCodec(enc)
	if err != nil {
		return nil, err
	}
	return &TiktokenCounter{codec: codec}, nil
}

// Count returns the token count of text. Text the codec cannot encode falls
// back to the character estimate.
func (c *TiktokenCounter) Count(text string) int {
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		return estimate(text)
	}
	return len(ids)
}

// EstimateCounter approximates four characters per token.
type EstimateCounter struct{}

func (EstimateCounter) Count(text string) int {
	return estimate(text)
}

func estimate(text string) int {
	return (len(text) + 3) / 4
}

var (
	codecCache   = make(map[tokenizer.Encoding]tokenizer.Codec)
	codecCacheMu sync.RWMutex
)

// getCodec returns a cached codec; loading an encoding parses its vocabulary.
func getCodec(enc tokenizer.Encoding) (tokenizer.Codec, error) {
	codecCacheMu.RLock()
	if cached, ok := codecCache[enc]; ok {
		codecCacheMu.RUnlock()
		return cached, nil
	}
	codecCacheMu.RUnlock()

	codec, err := tokenizer.Get(enc)
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer encoding %q: %w", enc, err)
	}

	codecCacheMu.Lock()
	codecCache[enc] = codec
	codecCacheMu.Unlock()
	return codec, nil
}

func turnTokens(c TokenCounter, t domain.Turn) int {
	return tokensPerMessage + tokensPerRole + c.Count(t.Content)
}
