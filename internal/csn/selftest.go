package csn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SelfTestResult summarises a generator self-test run.
type SelfTestResult struct {
	Workers  int
	Issued   int
	Duration time.Duration
}

// SelfTest hammers the generator from several goroutines until ctx is done or
// duration elapses, then checks every worker saw strictly increasing CSNs and
// that no CSN was issued twice.
func (g *Generator) SelfTest(ctx context.Context, workers int, duration time.Duration) (SelfTestResult, error) {
	if workers <= 0 {
		workers = 4
	}
	g.logger.Info("csngen self-test started",
		zap.Uint16("replica_id", g.replicaID),
		zap.Int("workers", workers),
		zap.Duration("duration", duration))

	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	start := time.Now()
	results := make([][]CSN, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for ctx.Err() == nil {
				results[w] = append(results[w], g.Next())
			}
		}(w)
	}
	wg.Wait()

	res := SelfTestResult{Workers: workers, Duration: time.Since(start)}
	seen := make(map[CSN]struct{})
	for w, issued := range results {
		for i, c := range issued {
			if i > 0 && !issued[i-1].Less(c) {
				err := fmt.Errorf("worker %d: CSN %s not after %s", w, c, issued[i-1])
				g.logger.Error("csngen self-test failed", zap.Error(err))
				return res, err
			}
			if _, dup := seen[c]; dup {
				err := fmt.Errorf("worker %d: CSN %s issued twice", w, c)
				g.logger.Error("csngen self-test failed", zap.Error(err))
				return res, err
			}
			seen[c] = struct{}{}
		}
		res.Issued += len(issued)
	}

	g.logger.Info("csngen self-test completed",
		zap.Uint16("replica_id", g.replicaID),
		zap.Int("issued", res.Issued),
		zap.Duration("elapsed", res.Duration))
	return res, nil
}
