package benchmark_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.uber.org/zap/zaptest"

	"example.com/ntp-sync/benchmark"
	"example.com/ntp-sync/core/server"
	"example.com/ntp-sync/driver/clock"
)

func TestRunIPBenchmark(t *testing.T) {
	log := zaptest.NewLogger(t)
	srv, err := server.StartIPServer(context.Background(), log, &clock.SystemClock{Log: log},
		server.Config{LocalAddr: "127.0.0.1:0", NumGoroutine: 2})
	require.NoError(t, err)
	defer srv.Close()

	res, err := benchmark.RunIPBenchmark(context.Background(), log, srv.LocalAddr().String(), 2, 50)
	require.NoError(t, err)
	assert.Zero(t, res.Failures)
	assert.EqualValues(t, 100, res.Histo.TotalCount())

	var buf bytes.Buffer
	require.NoError(t, res.Print(&buf))
	assert.Contains(t, buf.String(), "exchanges=100")
}
