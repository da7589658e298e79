package api

import "errors"

var (
	ErrInvalidRequest = errors.New("timeline rejected the request")
	ErrRateLimited    = errors.New("rate limited by server")
	ErrUnavailable    = errors.New("timeline unavailable")
	ErrStopWalk       = errors.New("stop walk")
)
