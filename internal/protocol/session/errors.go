package session

import "errors"

var (
	ErrRequestTimeout  = errors.New("session: request timed out")
	ErrSessionDisposed = errors.New("session: disposed")
	ErrSendRefused     = errors.New("session: engine refused to send")
	ErrInvalidConfig   = errors.New("session: invalid config")
)
