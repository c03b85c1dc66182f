package ratelimiter

import (
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// videoTokenFlatCost approximates the model-side cost of one video attachment
// per generate call, on top of the prompt text.
const videoTokenFlatCost = 2048

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// EstimateTokens approximates the token cost of one generate call from its
// prompt text plus a flat video surcharge. When the tokenizer cannot load,
// it falls back to the usual four-characters-per-token heuristic.
func EstimateTokens(prompt string) int64 {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("tokenizer unavailable, falling back to heuristic", slog.Any("error", err))
			return
		}
		encoding = enc
	})
	var n int64
	if encoding != nil {
		n = int64(len(encoding.Encode(prompt, nil, nil)))
	} else {
		n = int64(len(prompt) / 4)
	}
	if n < 1 {
		n = 1
	}
	return n + videoTokenFlatCost
}
