package auth

import "errors"

// Authentication and authorization failures the gateway maps to HTTP
// responses. Everything else coming out of this package is an internal error.
var (
	ErrMissingCredentials   = errors.New("missing credentials")
	ErrAmbiguousCredentials = errors.New("ambiguous credentials")
	ErrInvalidKeyFormat     = errors.New("invalid api key format")
	ErrInvalidKey           = errors.New("invalid api key")
	ErrExpiredKey           = errors.New("api key expired")
	ErrInvalidToken         = errors.New("invalid token")
	ErrExpiredToken         = errors.New("token expired")
	ErrInsufficientScope    = errors.New("insufficient scope")
	ErrIPNotAllowed         = errors.New("ip not allowed")
)
