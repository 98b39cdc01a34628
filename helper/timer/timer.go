package timer

import (
	"context"
	"math/rand"
	"time"

	"github.com/lthibault/jitterbug"

	log "github.com/sirupsen/logrus"
)

type Interval struct {
	Duration time.Duration
	Jitter   time.Duration
}

type tickerJitter struct {
	MaxJitter time.Duration
}

func (j tickerJitter) Jitter(d time.Duration) time.Duration {
	if j.MaxJitter >= d {
		log.Fatal("tickerJitter: MaxJitter is greater than duration")
	}

	if j.MaxJitter == 0 {
		return d
	}

	return d + (time.Duration(rand.Int63n(int64(2*j.MaxJitter))) - j.MaxJitter)
}

// RunWithTicker runs f periodically with the given interval and jitter.
// Exits when the context is cancelled or when f returns an error.
func RunWithTicker(ctx context.Context, interval *Interval, f func(ctx context.Context) error) error {
	j := jitterbug.New(interval.Duration, &tickerJitter{MaxJitter: interval.Jitter})
	defer j.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-j.C:
			if err := f(ctx); err != nil {
				log.Errorf("RunWithTicker: periodic task failed: %v", err)
				return err
			}
		}
	}
}
