package generator

import "errors"

var (
	ErrNoModel             = errors.New("no model for chat")
	ErrInsufficientData    = errors.New("not enough valid messages to train")
	ErrGenerationExhausted = errors.New("no acceptable sample within the retry budget")
	ErrStorage             = errors.New("storage failure")
)
