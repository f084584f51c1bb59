// Package tokens estimates token counts for admission and length
// screening.
package tokens

import (
	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Estimator counts tokens with the cl100k_base encoding. When the encoding
// cannot be loaded it falls back to a bytes/4 approximation, so a nil or
// zero Estimator is still usable.
type Estimator struct {
	enc *tiktoken.Tiktoken
}

// NewEstimator loads the cl100k_base encoding. Loading can fail offline;
// the estimator then approximates.
func NewEstimator() *Estimator {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return &Estimator{}
	}
	return &Estimator{enc: enc}
}

// Count returns the token count for text.
func (e *Estimator) Count(text string) int {
	if e == nil || e.enc == nil {
		return approximate(text)
	}
	return len(e.enc.Encode(text, nil, nil))
}

func approximate(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}
