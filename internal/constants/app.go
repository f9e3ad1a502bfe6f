// Package constants holds tuning values shared across the transfer packages.
package constants

import (
	"time"
)

// Queue defaults
const (
	// DefaultMaxConcurrent - default number of transfers admitted at once
	DefaultMaxConcurrent = 3

	// MaxConcurrentLimit - upper bound accepted from configuration
	MaxConcurrentLimit = 32

	// DefaultMaxRetries - automatic retries before a failure becomes terminal
	DefaultMaxRetries = 3

	// DefaultRetryDelay - base delay for exponential backoff between automatic retries
	DefaultRetryDelay = 1 * time.Second

	// DefaultMaxRetryDelay - cap for the backoff delay
	DefaultMaxRetryDelay = 30 * time.Second
)

// Event and stream buffering
const (
	// EventBusDefaultBuffer - default buffer size for event bus channels
	EventBusDefaultBuffer = 1000

	// EventBusMaxBuffer - maximum buffer size for high-throughput scenarios
	EventBusMaxBuffer = 5000

	// StreamBufferSize - per-subscriber buffer for progress and state streams.
	// Sized so a UI redrawing a few times a second never falls behind a
	// transport that reports every 64 KiB.
	StreamBufferSize = 256
)

// Transport tuning
const (
	// CopyBufferSize - buffer used when streaming bodies to and from disk (1 MiB)
	CopyBufferSize = 1024 * 1024

	// ProgressReportInterval - minimum time between progress updates per transfer
	ProgressReportInterval = 250 * time.Millisecond

	// SpeedSmoothingAlpha - EMA weight for the newest speed sample
	SpeedSmoothingAlpha = 0.25

	// PartialFileSuffix - suffix for in-flight download files, renamed on completion
	PartialFileSuffix = ".part"

	// DiskSpaceSafetyMargin - multiplier applied to the remaining bytes before a download starts
	DiskSpaceSafetyMargin = 1.05
)

// HTTP Client Timeouts
const (
	// HTTPIdleConnTimeout - how long to keep idle connections open (90 seconds)
	HTTPIdleConnTimeout = 90 * time.Second

	// HTTPTLSHandshakeTimeout - timeout for TLS handshake (60 seconds)
	HTTPTLSHandshakeTimeout = 60 * time.Second

	// HTTPExpectContinueTimeout - timeout for 100-continue response (1 second)
	HTTPExpectContinueTimeout = 1 * time.Second

	// HTTPDialTimeout - timeout for establishing connection (30 seconds)
	HTTPDialTimeout = 30 * time.Second

	// HTTPDialKeepAlive - keep-alive period for dialer (30 seconds)
	HTTPDialKeepAlive = 30 * time.Second

	// HTTPRetryMax - retries performed by the retryable HTTP client per request
	HTTPRetryMax = 5

	// HTTPRetryWaitMin / HTTPRetryWaitMax - bounds for the HTTP client's own backoff
	HTTPRetryWaitMin = 1 * time.Second
	HTTPRetryWaitMax = 30 * time.Second
)
