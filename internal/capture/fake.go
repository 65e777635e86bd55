package capture

import (
	"context"
	"sync"
	"time"
)

// Fake is a scripted Capturer for tests.
type Fake struct {
	Image []byte
	Err   error
	Delay time.Duration // simulated shutter time

	mu    sync.Mutex
	calls int
}

func (f *Fake) Capture(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Image, nil
}

// Calls returns how many times Capture ran.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
