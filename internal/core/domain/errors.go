package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrChannelNotFound    = errors.New("channel not found")
	ErrChannelInactive    = errors.New("channel inactive")
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrProfileUnavailable = errors.New("customer profile unavailable")
	ErrUnsupportedMessage = errors.New("unsupported message")
	ErrInvalidPayload     = errors.New("invalid message payload")
	ErrDuplicate          = errors.New("duplicate event")
)

// ErrChannelTokenExpired is wrapped by gateway errors when a provider rejects the channel token
var ErrChannelTokenExpired = errors.New("channel token expired")
