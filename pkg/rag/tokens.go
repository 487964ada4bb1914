package rag

// TokenEstimator approximates the token count of a text. Estimates feed
// budget arithmetic only; they never need to match a provider's tokenizer
// exactly, but must be stable for the same input.
type TokenEstimator interface {
	Estimate(text string) int
}

// CharEstimator is the default heuristic: one token per four characters,
// rounded up, minimum one for non-empty text.
type CharEstimator struct{}

func (CharEstimator) Estimate(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + 3) / 4
}
