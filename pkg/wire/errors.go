package wire

import "errors"

var (
	ErrPayloadTooLarge = errors.New("wire: payload exceeds the maximum size")
	ErrFrameTooLarge   = errors.New("wire: frame exceeds the maximum size")
	ErrMalformedFrame  = errors.New("wire: malformed frame")
	ErrNameInvalid     = errors.New("wire: names must be 1-255 bytes of alphanum, dots, dashes, underscores, colons or slashes")
)
