package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"go.uber.org/zap"

	"golang.org/x/sync/errgroup"

	"example.com/ntp-sync/base/logbase"
	"example.com/ntp-sync/base/timebase"
	"example.com/ntp-sync/base/timemath"
	"example.com/ntp-sync/benchmark"
	"example.com/ntp-sync/core/config"
	"example.com/ntp-sync/core/server"
	ntpsync "example.com/ntp-sync/core/sync"
	"example.com/ntp-sync/driver/clock"
)

const (
	readInterval   = 10 * time.Millisecond
	metricsTimeout = 5 * time.Second

	// Read costs are recorded in nanoseconds.
	maxReadCost = int64(time.Second)
)

var (
	log *zap.Logger

	verbose    bool
	configFile string
)

var rootCmd = &cobra.Command{
	Use:           "timeservice",
	Short:         "Keeps a corrected clock synchronized to a single NTP peer",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		log, err = logbase.New(verbose)
		return err
	},
}

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Synchronize to the configured peer and report the cost of reading the corrected clock",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runClient(cmd.Context(), configFile, cmd.OutOrStdout())
	},
}

var serverFlags struct {
	localAddr   string
	metricsAddr string
	readers     int
	rateLimit   float64
	dscp        uint8
	offsetMs    float64
	delayMs     float64
	jitterMs    float64
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Answer NTP client requests from the local clock",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

var benchmarkFlags struct {
	clients  int
	requests int
}

var benchmarkCmd = &cobra.Command{
	Use:   "benchmark",
	Short: "Measure round trip delays to the configured peer",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBenchmark(cmd.Context(), configFile, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Verbose logging")

	clientCmd.Flags().StringVar(&configFile, "config", "", "Config file")
	_ = clientCmd.MarkFlagRequired("config")

	serverCmd.Flags().StringVar(&serverFlags.localAddr, "local", "0.0.0.0:123", "Local address")
	serverCmd.Flags().StringVar(&serverFlags.metricsAddr, "metrics", "", "Metrics address")
	serverCmd.Flags().IntVar(&serverFlags.readers, "readers", 8, "Number of reader goroutines")
	serverCmd.Flags().Float64Var(&serverFlags.rateLimit, "rate", 0, "Maximum number of requests served per second")
	serverCmd.Flags().Uint8Var(&serverFlags.dscp, "dscp", 0, "DSCP of replies")
	serverCmd.Flags().Float64Var(&serverFlags.offsetMs, "offset", 0, "Offset added to served time (ms)")
	serverCmd.Flags().Float64Var(&serverFlags.delayMs, "delay", 0, "Reply delay (ms)")
	serverCmd.Flags().Float64Var(&serverFlags.jitterMs, "jitter", 0, "Maximum random reply delay (ms)")

	benchmarkCmd.Flags().StringVar(&configFile, "config", "", "Config file")
	benchmarkCmd.Flags().IntVar(&benchmarkFlags.clients, "clients", 1, "Number of concurrent clients")
	benchmarkCmd.Flags().IntVar(&benchmarkFlags.requests, "requests", 10_000, "Number of requests per client")
	_ = benchmarkCmd.MarkFlagRequired("config")

	rootCmd.AddCommand(clientCmd, serverCmd, benchmarkCmd, xCmd)
}

func serveMetrics(ctx context.Context, log *zap.Logger, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: metricsTimeout}
	context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	log.Info("serving metrics", zap.String("addr", addr))
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func runClient(ctx context.Context, configFile string, w io.Writer) error {
	f, err := config.Load(configFile)
	if err != nil {
		return err
	}

	e := ntpsync.NewEngine(log, ntpsync.OnError(func(c ntpsync.ErrorCode) {
		log.Warn("synchronization degraded", zap.Stringer("code", c))
	}))
	err = e.Start(ctx, f.Sync())
	if err != nil {
		return err
	}
	defer func() {
		err := e.Stop()
		if err != nil {
			log.Info("failed to stop engine", zap.Error(err))
		}
	}()

	err = e.SetTime(0)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if f.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(ctx, log, f.MetricsAddr)
		})
	}
	g.Go(func() error {
		return pollCorrectedTime(ctx, log, e, f.StatsPeriod(), f.SkipThreshold(), w)
	})
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type timeReader interface {
	GetTime() (time.Duration, error)
	MonotonicNow() time.Duration
	ErrorCode() ntpsync.ErrorCode
}

type readResult struct {
	t   time.Duration
	err error
}

// pollCorrectedTime reads the corrected time every readInterval and prints
// statistics on the cost of the reads every period. Reads whose monotonic
// bracket exceeds skip were interrupted and are not recorded.
func pollCorrectedTime(ctx context.Context, log *zap.Logger, r timeReader,
	period, skip time.Duration, w io.Writer) error {
	hg := hdrhistogram.New(1, maxReadCost, 3)
	filter := &timebase.StallFilter{Threshold: skip}
	read := func() readResult {
		t, err := r.GetTime()
		return readResult{t, err}
	}

	readTicker := time.NewTicker(readInterval)
	defer readTicker.Stop()
	statsTicker := time.NewTicker(period)
	defer statsTicker.Stop()

	var last readResult
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-readTicker.C:
			res, elapsed := timebase.Measure(r.MonotonicNow, read)
			if !filter.Accept(elapsed) {
				continue
			}
			last = res
			_ = hg.RecordValue(elapsed.Nanoseconds())
		case <-statsTicker.C:
			_, err := fmt.Fprintf(w,
				"t=%.3fms code=%q reads=%d skipped=%d min=%dns avg=%.0fns max=%dns stddev=%.0fns p50=%dns p99=%dns\n",
				timemath.Millis(last.t), r.ErrorCode(), filter.Accepted(), filter.Skipped(),
				hg.Min(), hg.Mean(), hg.Max(), hg.StdDev(),
				hg.ValueAtQuantile(50), hg.ValueAtQuantile(99))
			if err != nil {
				return err
			}
			if last.err != nil {
				log.Info("failed to read corrected time", zap.Error(last.err))
			}
			hg.Reset()
			filter = &timebase.StallFilter{Threshold: skip}
		}
	}
}

func runServer(ctx context.Context) error {
	clk := &clock.SystemClock{Log: log}
	s, err := server.StartIPServer(ctx, log, clk, server.Config{
		LocalAddr:    serverFlags.localAddr,
		NumGoroutine: serverFlags.readers,
		RateLimit:    serverFlags.rateLimit,
		DSCP:         serverFlags.dscp,
		RxTimestamps: true,
		Behavior: server.Behavior{
			Offset: timemath.FromMillis(serverFlags.offsetMs),
			Delay:  timemath.FromMillis(serverFlags.delayMs),
			Jitter: timemath.FromMillis(serverFlags.jitterMs),
		},
	})
	if err != nil {
		return err
	}
	defer s.Close()

	if serverFlags.metricsAddr != "" {
		return serveMetrics(ctx, log, serverFlags.metricsAddr)
	}
	<-ctx.Done()
	return nil
}

func runBenchmark(ctx context.Context, configFile string, w io.Writer) error {
	f, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if f.PeerAddr == "" {
		return errors.New("peer_address not specified in config")
	}
	res, err := benchmark.RunIPBenchmark(ctx, log, f.PeerAddr,
		benchmarkFlags.clients, benchmarkFlags.requests)
	if err != nil {
		return err
	}
	return res.Print(w)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		if log != nil {
			_ = log.Sync()
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
