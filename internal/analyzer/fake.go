package analyzer

import (
	"context"
	"sync"
	"time"

	"github.com/sawline/timbersort/internal/decision"
)

// Fake is a scripted Analyzer for tests.
type Fake struct {
	Predictions []decision.Prediction
	Err         error
	Delay       time.Duration // simulated inference time

	mu        sync.Mutex
	calls     int
	lastImage []byte
}

func (f *Fake) Analyze(ctx context.Context, image []byte) ([]decision.Prediction, error) {
	f.mu.Lock()
	f.calls++
	f.lastImage = append([]byte(nil), image...)
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
	return f.Predictions, nil
}

// Calls returns how many times Analyze ran.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// LastImage returns the bytes of the most recent Analyze call.
func (f *Fake) LastImage() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastImage
}
