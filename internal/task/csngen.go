package task

import (
	"context"
	"time"

	"github.com/clayne/389-ds-base/internal/csn"
)

// KindCSNGenTest is the CSN generator self-test task
const KindCSNGenTest = "csngen_test"

// CSNGenTest returns a task running the generator self-test.
func CSNGenTest(gen *csn.Generator, workers int, duration time.Duration) Func {
	if duration <= 0 {
		duration = 10 * time.Second
	}
	return func(ctx context.Context) (any, error) {
		return gen.SelfTest(ctx, workers, duration)
	}
}
