package gwsim

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

// countTokens measures text with the cl100k encoding so simulated
// usage numbers look like real accounting. Falls back to the rough
// four-characters-per-token estimate if the tokenizer cannot load.
func countTokens(text string) int {
	codecOnce.Do(func() {
		if c, err := tokenizer.Get(tokenizer.Cl100kBase); err == nil {
			codec = c
		}
	})
	if codec == nil {
		return len(text)/4 + 1
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return len(text)/4 + 1
	}
	return len(ids)
}
