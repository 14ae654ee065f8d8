package chunk

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter measures text length in model tokens.
type TokenCounter interface {
	Count(text string) int
}

// TiktokenCounter counts with the cl100k_base encoding, a close enough
// proxy for the tokenisers of local embedding and chat models.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter loads the cl100k_base encoding.
func NewTiktokenCounter() (*TiktokenCounter, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("load cl100k_base encoding: %w", err)
	}
	return &TiktokenCounter{enc: enc}, nil
}

func (c *TiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// HeuristicCounter approximates tokens as len/4. It keeps tests and
// offline runs independent of encoding downloads.
type HeuristicCounter struct{}

func (HeuristicCounter) Count(text string) int {
	n := len(text) / 4
	if n == 0 && len(text) > 0 {
		return 1
	}
	return n
}
