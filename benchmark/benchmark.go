package benchmark

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"go.uber.org/zap"

	"golang.org/x/sync/errgroup"

	"example.com/ntp-sync/core/client"
	"example.com/ntp-sync/driver/clock"
)

const (
	exchangeTimeout = time.Second

	// Round trip delays are recorded in microseconds.
	minDelay = 1
	maxDelay = 1_000_000
)

type Result struct {
	Histo    *hdrhistogram.Histogram
	Failures int
	Elapsed  time.Duration
}

// RunIPBenchmark exchanges numRequest packets with peer from each of
// numClient concurrent clients and collects the round trip delays. Failed
// exchanges are counted but do not abort the run.
func RunIPBenchmark(ctx context.Context, log *zap.Logger, peer string,
	numClient, numRequest int) (Result, error) {
	var (
		mu  sync.Mutex
		res = Result{Histo: hdrhistogram.New(minDelay, maxDelay, 3)}
	)
	clk := &clock.SystemClock{Log: log}

	clients := make([]*client.IPClient, numClient)
	for i := range clients {
		c := &client.IPClient{
			Log:      log,
			Clock:    clk,
			SysClock: clk,
			Histo:    hdrhistogram.New(minDelay, maxDelay, 3),
		}
		err := c.Dial(ctx, peer)
		if err != nil {
			for _, c := range clients[:i] {
				_ = c.Close()
			}
			return Result{}, fmt.Errorf("failed to dial %s: %w", peer, err)
		}
		clients[i] = c
	}

	t0 := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range clients {
		g.Go(func() error {
			defer c.Close()
			failures := 0
			for range numRequest {
				xctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
				_, err := c.Exchange(xctx)
				cancel()
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if err != nil {
					log.Debug("exchange failed", zap.Error(err))
					failures++
				}
			}
			mu.Lock()
			defer mu.Unlock()
			res.Histo.Merge(c.Histo)
			res.Failures += failures
			return nil
		})
	}
	err := g.Wait()
	res.Elapsed = time.Since(t0)
	return res, err
}

// Print writes a summary and the delay percentile distribution to w.
func (r Result) Print(w io.Writer) error {
	_, err := fmt.Fprintf(w, "exchanges=%d failures=%d elapsed=%v min=%dus mean=%.1fus max=%dus stddev=%.1fus\n",
		r.Histo.TotalCount(), r.Failures, r.Elapsed,
		r.Histo.Min(), r.Histo.Mean(), r.Histo.Max(), r.Histo.StdDev())
	if err != nil {
		return err
	}
	_, err = r.Histo.PercentilesPrint(w, 1, 1.0)
	return err
}
