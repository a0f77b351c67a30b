// Driver for quick experiments

package main

import (
	"github.com/spf13/cobra"

	"go.uber.org/zap"

	"example.com/ntp-sync/base/timebase"
	"example.com/ntp-sync/driver/clock"
)

var xCmd = &cobra.Command{
	Use:    "x",
	Hidden: true,
	Args:   cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		runX()
	},
}

func runX() {
	clk := &clock.SystemClock{Log: log}
	a := timebase.CaptureAnchor(clk, 20 /* trials */)
	log.Info("local clock anchor", zap.Time("wall", a.Wall), zap.Duration("mono", a.Mono))

	now, cost := timebase.Measure(clk.Monotonic, clk.Now)
	log.Info("local clock", zap.Time("now", now), zap.Duration("read cost", cost),
		zap.Duration("anchored drift", timebase.AnchoredClock{C: clk, A: a}.Now().Sub(clk.Now())))
}
