package common

import "errors"

var (
	ErrValidation          = errors.New("validation failure")
	ErrUnknownTicker       = errors.New("unknown ticker")
	ErrExchangeUnavailable = errors.New("exchange unavailable")
	ErrExchangeClosed      = errors.New("exchange closed")
	ErrAccount             = errors.New("account failure")
	ErrProtocolDecode      = errors.New("protocol decode failure")
	ErrBrokerClosed        = errors.New("broker closed")
)
