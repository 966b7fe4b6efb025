package pool

import (
	"fmt"
	"io"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func quiet() Options {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return NewOptions().Logger(logrus.NewEntry(l))
}

func TestRun(t *testing.T) {
	t.Parallel()
	tests := []struct {
		jobs    int
		workers int
	}{
		{jobs: 0, workers: 4},
		{jobs: 1, workers: 4},
		{jobs: 17, workers: 3},
		{jobs: 5, workers: 0},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("%d_%d", test.jobs, test.workers), func(t *testing.T) {
			t.Parallel()
			var ran atomic.Int64
			counts := make([]atomic.Int64, test.jobs)
			done := 0
			report := Run(test.jobs, test.workers, func(job int) error {
				ran.Add(1)
				counts[job].Add(1)
				return nil
			}, quiet().Done(func(Outcome) { done++ }))

			require.Equal(t, int64(test.jobs), ran.Load())
			for i := range counts {
				require.Equal(t, int64(1), counts[i].Load(), "job %d", i)
			}
			require.Equal(t, test.jobs, done)
			require.Zero(t, report.Failures)
			require.Len(t, report.Outcomes, test.jobs)
		})
	}
}

func TestFailureIsolation(t *testing.T) {
	t.Parallel()
	errBad := errors.New("bad job")
	var ran atomic.Int64
	report := Run(10, 3, func(job int) error {
		ran.Add(1)
		switch job {
		case 2:
			return errBad
		case 5:
			var m map[string]int
			m["x"] = 1
		}
		return nil
	}, quiet())

	require.Equal(t, int64(10), ran.Load())
	require.Equal(t, 2, report.Failures)
	require.ErrorIs(t, report.Outcomes[2].Err, errBad)
	require.ErrorContains(t, report.Outcomes[5].Err, "panic")
	for i, out := range report.Outcomes {
		require.Equal(t, i, out.Job)
		if i != 2 && i != 5 {
			require.NoError(t, out.Err)
		}
	}
}
