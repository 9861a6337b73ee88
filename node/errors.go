package node

import "errors"

var (
	ErrAddressRequired       = errors.New("address is required")
	ErrBrokerAddressRequired = errors.New("broker address is required")
	ErrInvalidBrokerAddress  = errors.New("broker address must be ip:port")
	ErrAddressConflict       = errors.New("broker addresses must differ")
	ErrTopicsRequired        = errors.New("at least one topic is required")
	ErrModulePathRequired    = errors.New("module path is required")
	ErrInvalidMode           = errors.New("invalid invoker mode")
	ErrInvalidReadTimeout    = errors.New("read timeout must be positive")
	ErrInvalidPollInterval   = errors.New("poll interval must be positive")
	ErrNegativeDuration      = errors.New("durations must not be negative")
	ErrInvalidTSN            = errors.New("invalid tsn config")
	ErrAlreadyStarted        = errors.New("already started")
)
