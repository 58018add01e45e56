package blockcache

import (
	"fmt"
	"io"
	"log"
	"time"

	"github.com/dargueta/sectorfs/errors"
)

const DefaultFlushInterval = 100 * time.Millisecond
const DefaultReadAheadInterval = 50 * time.Millisecond

// Option is a functional option for configuring a [SectorCache].
type Option func(*SectorCache) error

// WithFlushInterval sets how often the background flusher writes dirty slots
// back to the device.
func WithFlushInterval(interval time.Duration) Option {
	return func(cache *SectorCache) error {
		if interval <= 0 {
			return errors.NewWithMessage(
				errors.EINVAL,
				fmt.Sprintf("flush interval must be positive, got %s", interval),
			)
		}
		cache.flushInterval = interval
		return nil
	}
}

// WithReadAheadInterval sets how often the read-ahead worker services the
// oldest pending request.
func WithReadAheadInterval(interval time.Duration) Option {
	return func(cache *SectorCache) error {
		if interval <= 0 {
			return errors.NewWithMessage(
				errors.EINVAL,
				fmt.Sprintf("read-ahead interval must be positive, got %s", interval),
			)
		}
		cache.readAheadInterval = interval
		return nil
	}
}

// WithLogger sets where the background workers report failures. By default
// they're discarded.
func WithLogger(logger *log.Logger) Option {
	return func(cache *SectorCache) error {
		if logger == nil {
			logger = log.New(io.Discard, "", 0)
		}
		cache.logger = logger
		return nil
	}
}
