package store

import (
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/fumin/dqmc"
)

func newStore(t *testing.T) *Store {
	s, err := Open(filepath.Join(t.TempDir(), "dqmc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestResults(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	run := uuid.NewString()
	p := dqmc.DefaultParams()
	created := time.Unix(1700000000, 0)

	results := []Result{
		{Run: run, Job: 0, Params: p, Summary: dqmc.Summary{
			Density:          dqmc.Estimate{Mean: 1, Error: 0.01},
			StaggeredDensity: dqmc.Estimate{Mean: -0.2, Error: 0.01},
			SpinCorrelation:  []dqmc.Estimate{{Mean: -0.05, Error: 0.001}},
			Acceptance:       0.3,
		}, Status: StatusOK, Created: created},
		{Run: run, Job: 1, Params: p, Status: StatusFailed, Error: "numerical instability", Created: created.Add(time.Second)},
		{Run: uuid.NewString(), Job: 0, Params: p, Status: StatusOK, Created: created.Add(2 * time.Second)},
	}
	for _, r := range results {
		require.NoError(t, s.WriteResult(r))
	}

	got, err := s.Results(run)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for i, r := range got {
		require.Equal(t, results[i].Job, r.Job)
		require.Equal(t, results[i].Params, r.Params)
		require.Equal(t, results[i].Summary, r.Summary)
		require.Equal(t, results[i].Status, r.Status)
		require.Equal(t, results[i].Error, r.Error)
		require.True(t, results[i].Created.Equal(r.Created))
	}

	all, err := s.Results("")
	require.NoError(t, err)
	require.Len(t, all, 3)

	var staggered float64
	var correlation string
	err = s.db.QueryRow(`SELECT staggered_density, spin_correlation FROM results WHERE run=? AND job=0`, run).Scan(&staggered, &correlation)
	require.NoError(t, err)
	require.Equal(t, -0.2, staggered)
	require.JSONEq(t, `[{"mean": -0.05, "error": 0.001}]`, correlation)

	// Creation time orders results before the job does.
	early := Result{Run: run, Job: 2, Params: p, Status: StatusOK, Created: created.Add(-time.Second)}
	require.NoError(t, s.WriteResult(early))
	got, err = s.Results(run)
	require.NoError(t, err)
	require.Equal(t, []int{2, 0, 1}, []int{got[0].Job, got[1].Job, got[2].Job})
	_, err = s.db.Exec(`DELETE FROM results WHERE run=? AND job=2`, run)
	require.NoError(t, err)

	// Rewriting a job replaces it.
	results[1].Status, results[1].Error = StatusOK, ""
	require.NoError(t, s.WriteResult(results[1]))
	got, err = s.Results(run)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, StatusOK, got[1].Status)
}

func TestSnapshot(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	run := uuid.NewString()

	_, ok, err := s.LoadSnapshot(run, 0)
	require.NoError(t, err)
	require.False(t, ok)

	l := logrus.New()
	l.SetOutput(io.Discard)
	p := dqmc.DefaultParams()
	p.Slices, p.BlockSize = 6, 2
	sim, err := dqmc.NewSimulation(p, dqmc.NewSimulationOptions().Logger(logrus.NewEntry(l)))
	require.NoError(t, err)
	for range 3 {
		require.NoError(t, sim.Sweep())
	}
	snap, err := sim.Snapshot()
	require.NoError(t, err)

	require.NoError(t, s.SaveSnapshot(run, 0, snap))
	loaded, ok, err := s.LoadSnapshot(run, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, snap, loaded)

	restored, err := dqmc.NewSimulation(p, dqmc.NewSimulationOptions().Logger(logrus.NewEntry(l)))
	require.NoError(t, err)
	d, err := restored.Restore(loaded)
	require.NoError(t, err)
	require.False(t, d.Exceeds(1e-6))

	// Saving again overwrites the previous checkpoint.
	snap.Sweeps++
	require.NoError(t, s.SaveSnapshot(run, 0, snap))
	loaded, _, err = s.LoadSnapshot(run, 0)
	require.NoError(t, err)
	require.Equal(t, snap.Sweeps, loaded.Sweeps)
}
