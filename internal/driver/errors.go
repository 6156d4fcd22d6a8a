package driver

import "errors"

// Error texts are part of the page protocol and reach the browser as-is.
var (
	ErrBadURL      = errors.New("Bad sound URL.")
	ErrBadResource = errors.New("Bad sound URL/filename.")
	ErrBadFormat   = errors.New("Bad sound format.")
	ErrBadSpeech   = errors.New("Bad speech buffer.")
	ErrClosed      = errors.New("output closed")
)
