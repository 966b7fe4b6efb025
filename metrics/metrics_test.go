package metrics

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/fumin/dqmc"
)

func TestRecorder(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	l := logrus.New()
	l.SetOutput(io.Discard)
	p := dqmc.DefaultParams()
	p.Slices, p.BlockSize, p.RebuildPeriod = 6, 3, 2
	s, err := dqmc.NewSimulation(p, dqmc.NewSimulationOptions().Logger(logrus.NewEntry(l)).Monitor(r))
	require.NoError(t, err)
	for range 4 {
		require.NoError(t, s.Sweep())
	}
	r.Job("ok")

	accepted := testutil.ToFloat64(r.proposals.WithLabelValues("accepted"))
	rejected := testutil.ToFloat64(r.proposals.WithLabelValues("rejected"))
	require.Equal(t, float64(4*6*4), accepted+rejected)
	require.InDelta(t, s.Acceptance(), accepted/(accepted+rejected), 1e-12)
	require.Equal(t, float64(2), testutil.ToFloat64(r.rebuilds))
	require.Zero(t, testutil.ToFloat64(r.drifts))
	require.Equal(t, float64(1), testutil.ToFloat64(r.jobs.WithLabelValues("ok")))

	r.Rebuilt(dqmc.Drift{Tracked: 1, Rebuilt: 2, TrackedSign: 1, RebuiltSign: 1}, true)
	require.Equal(t, float64(1), testutil.ToFloat64(r.drifts))
	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	require.Equal(t, 6, n)
}

func TestServe(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)
	r.Job("failed")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- Serve(ctx, addr, reg) }()

	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://%s/metrics", addr))
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return false
		}
		body = string(b)
		return true
	}, 5*time.Second, 10*time.Millisecond)
	require.True(t, strings.Contains(body, `dqmc_jobs_total{status="failed"} 1`), body)

	cancel()
	require.NoError(t, <-errc)
}
