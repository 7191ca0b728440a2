//go:build govips && cgo

package pipeline

import (
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
)

// runtime tracks the process-wide libvips instance. Requests share it, so it
// is started once and only torn down after the server has drained.
var runtime struct {
	once    sync.Once
	mu      sync.Mutex
	running bool
}

// Startup brings libvips up with its operation cache disabled. Concurrency 0
// keeps the library default.
func Startup(concurrency int) error {
	runtime.once.Do(func() {
		vips.LoggingSettings(nil, vips.LogLevelError)
		vips.Startup(&vips.Config{
			ConcurrencyLevel: concurrency,
			MaxCacheFiles:    0,
			MaxCacheMem:      0,
			MaxCacheSize:     0,
		})

		runtime.mu.Lock()
		runtime.running = true
		runtime.mu.Unlock()
	})
	return nil
}

func Shutdown() {
	runtime.mu.Lock()
	defer runtime.mu.Unlock()
	if runtime.running {
		vips.Shutdown()
		runtime.running = false
	}
}

func newCodec() (Codec, error) {
	return govipsCodec{}, nil
}
