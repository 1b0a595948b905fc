package middleware

import (
	"errors"
	"fmt"

	"github.com/JonMunkholm/fileparse/internal/core"
)

var (
	errMissingToken = fmt.Errorf("%w: missing bearer token", core.ErrUnauthorized)

	// ErrRateLimited is handed to the error writer when a client is throttled.
	ErrRateLimited = errors.New("rate limit exceeded")
)
