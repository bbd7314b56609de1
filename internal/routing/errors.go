package routing

import "errors"

// Only ErrConfiguration, ErrAuthentication and ErrProxyExhaustedNoFallback
// cross AcquireClient. ErrRetryableTransport is absorbed by the retry loop
// and appears only in ledger summaries and logs.
var (
	ErrConfiguration            = errors.New("configuration error")
	ErrAuthentication           = errors.New("authentication error")
	ErrRetryableTransport       = errors.New("retryable transport error")
	ErrProxyExhaustedNoFallback = errors.New("proxy unavailable and no fallback credential for provider")
)
