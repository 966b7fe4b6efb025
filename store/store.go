// Package store persists job results and sampler checkpoints in sqlite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/fumin/dqmc"
)

const (
	tableResults     = "results"
	tableCheckpoints = "checkpoints"
	tableFields      = "fields"

	timeout = 3 * time.Second
)

const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// Result is the outcome of one job of a run.
type Result struct {
	Run     string
	Job     int
	Params  dqmc.Params
	Summary dqmc.Summary
	Status  string
	Error   string
	Created time.Time
}

// Store is a sqlite database of results and checkpoints.
type Store struct {
	Path string

	db *sql.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000", path))
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	// Workers share one connection so writes serialize.
	db.SetMaxOpenConns(1)
	if err := prepareDB(db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, fmt.Sprintf("db %s", path))
	}
	return &Store{Path: path, db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// WriteResult appends r, replacing any previous result of the same job.
func (s *Store) WriteResult(r Result) error {
	params, err := json.Marshal(r.Params)
	if err != nil {
		return errors.Wrap(err, "")
	}
	summary, err := json.Marshal(r.Summary)
	if err != nil {
		return errors.Wrap(err, "")
	}
	correlation, err := json.Marshal(r.Summary.SpinCorrelation)
	if err != nil {
		return errors.Wrap(err, "")
	}
	if r.Created.IsZero() {
		r.Created = time.Now()
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	sqlStr := fmt.Sprintf(`INSERT OR REPLACE INTO %s (run, job, params, summary, sign, density, double_occupancy, staggered_density, staggered_susceptibility, spin_correlation, status, error, created) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, tableResults)
	sm := r.Summary
	args := []any{r.Run, r.Job, string(params), string(summary), sm.Sign.Mean, sm.Density.Mean, sm.DoubleOccupancy.Mean, sm.StaggeredDensity.Mean, sm.StaggeredSusceptibility.Mean, string(correlation), r.Status, r.Error, r.Created.UnixNano()}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return errors.Wrap(err, fmt.Sprintf("%s %#v", sqlStr, args[:2]))
	}
	return nil
}

// Results returns the results of run, or of every run if run is empty,
// ordered by creation time and then by job.
func (s *Store) Results(run string) ([]Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	sqlStr := fmt.Sprintf(`SELECT run, job, params, summary, status, error, created FROM %s WHERE ?='' OR run=? ORDER BY created, job`, tableResults)
	rows, err := s.db.QueryContext(ctx, sqlStr, run, run)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	defer rows.Close()

	results := make([]Result, 0)
	for rows.Next() {
		var r Result
		var params, summary string
		var created int64
		if err := rows.Scan(&r.Run, &r.Job, &params, &summary, &r.Status, &r.Error, &created); err != nil {
			return nil, errors.Wrap(err, "")
		}
		if err := json.Unmarshal([]byte(params), &r.Params); err != nil {
			return nil, errors.Wrap(err, "")
		}
		if err := json.Unmarshal([]byte(summary), &r.Summary); err != nil {
			return nil, errors.Wrap(err, "")
		}
		r.Created = time.Unix(0, created)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "")
	}
	return results, nil
}

// SaveSnapshot replaces the checkpoint of a job.
func (s *Store) SaveSnapshot(run string, job int, snap dqmc.Snapshot) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "")
	}
	if err := saveSnapshot(ctx, tx, run, job, snap); err != nil {
		tx.Rollback()
		return errors.Wrap(err, "")
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

func saveSnapshot(ctx context.Context, tx *sql.Tx, run string, job int, snap dqmc.Snapshot) error {
	sqlStr := fmt.Sprintf(`INSERT OR REPLACE INTO %s (run, job, shift, plog, psign, rng, sweeps, slices) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, tableCheckpoints)
	if _, err := tx.ExecContext(ctx, sqlStr, run, job, snap.Shift, snap.LogProbability, snap.Sign, snap.RNG, snap.Sweeps, len(snap.Field)); err != nil {
		return errors.Wrap(err, sqlStr)
	}
	sqlStr = fmt.Sprintf(`DELETE FROM %s WHERE run=? AND job=?`, tableFields)
	if _, err := tx.ExecContext(ctx, sqlStr, run, job); err != nil {
		return errors.Wrap(err, sqlStr)
	}
	sqlStr = fmt.Sprintf(`INSERT INTO %s (run, job, t, x, v) VALUES (?, ?, ?, ?, ?)`, tableFields)
	stmt, err := tx.PrepareContext(ctx, sqlStr)
	if err != nil {
		return errors.Wrap(err, sqlStr)
	}
	defer stmt.Close()
	for t, row := range snap.Field {
		for x, v := range row {
			if _, err := stmt.ExecContext(ctx, run, job, t, x, v); err != nil {
				return errors.Wrap(err, fmt.Sprintf("%s %d %d", sqlStr, t, x))
			}
		}
	}
	return nil
}

// LoadSnapshot returns the checkpoint of a job, and false if there is none.
func (s *Store) LoadSnapshot(run string, job int) (dqmc.Snapshot, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var snap dqmc.Snapshot
	var slices int
	sqlStr := fmt.Sprintf(`SELECT shift, plog, psign, rng, sweeps, slices FROM %s WHERE run=? AND job=?`, tableCheckpoints)
	err := s.db.QueryRowContext(ctx, sqlStr, run, job).Scan(&snap.Shift, &snap.LogProbability, &snap.Sign, &snap.RNG, &snap.Sweeps, &slices)
	switch {
	case err == sql.ErrNoRows:
		return dqmc.Snapshot{}, false, nil
	case err != nil:
		return dqmc.Snapshot{}, false, errors.Wrap(err, "")
	}

	snap.Field = make([][]float64, slices)
	sqlStr = fmt.Sprintf(`SELECT t, x, v FROM %s WHERE run=? AND job=? ORDER BY t, x`, tableFields)
	rows, err := s.db.QueryContext(ctx, sqlStr, run, job)
	if err != nil {
		return dqmc.Snapshot{}, false, errors.Wrap(err, "")
	}
	defer rows.Close()
	for rows.Next() {
		var t, x int
		var v float64
		if err := rows.Scan(&t, &x, &v); err != nil {
			return dqmc.Snapshot{}, false, errors.Wrap(err, "")
		}
		if t < 0 || t >= slices || x != len(snap.Field[t]) {
			return dqmc.Snapshot{}, false, errors.Errorf("field entry (%d, %d) out of order", t, x)
		}
		snap.Field[t] = append(snap.Field[t], v)
	}
	if err := rows.Err(); err != nil {
		return dqmc.Snapshot{}, false, errors.Wrap(err, "")
	}
	return snap, true, nil
}

func prepareDB(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (run TEXT, job INTEGER, params TEXT, summary TEXT, sign REAL, density REAL, double_occupancy REAL, staggered_density REAL, staggered_susceptibility REAL, spin_correlation TEXT, status TEXT, error TEXT, created INTEGER, PRIMARY KEY (run, job)) STRICT`, tableResults),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (run TEXT, job INTEGER, shift INTEGER, plog REAL, psign REAL, rng BLOB, sweeps INTEGER, slices INTEGER, PRIMARY KEY (run, job)) STRICT`, tableCheckpoints),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (run TEXT, job INTEGER, t INTEGER, x INTEGER, v REAL, PRIMARY KEY (run, job, t, x)) STRICT`, tableFields),
	}
	for _, sqlStr := range stmts {
		if _, err := db.ExecContext(ctx, sqlStr); err != nil {
			return errors.Wrap(err, sqlStr)
		}
	}
	return nil
}
