// Package tokens estimates token counts for context budgeting.
package tokens

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

var (
	codec     tokenizer.Codec
	codecOnce sync.Once
	codecErr  error
)

// getCodec returns the cl100k_base tokenizer, a reasonable approximation
// for the models the providers route to.
func getCodec() (tokenizer.Codec, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return codec, codecErr
}

func Estimate(text string) (int, error) {
	c, err := getCodec()
	if err != nil {
		return 0, err
	}
	ids, _, err := c.Encode(text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// EstimateSimple returns the token count, falling back to a rough
// chars/4 heuristic when the codec is unavailable.
func EstimateSimple(text string) int {
	n, err := Estimate(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}
