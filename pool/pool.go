// Package pool runs independent jobs on a fixed number of workers.
package pool

import (
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Outcome is the result of a single job.
type Outcome struct {
	Job int
	Err error
}

// Report summarizes a pool run.
type Report struct {
	Outcomes []Outcome
	Failures int
}

// Options are options for Run.
type Options struct {
	log  *logrus.Entry
	done func(Outcome)
}

// NewOptions returns the default pool options.
func NewOptions() Options {
	opt := Options{}
	opt.log = logrus.NewEntry(logrus.StandardLogger())
	return opt
}

func (opt Options) Logger(l *logrus.Entry) Options {
	opt.log = l
	return opt
}

// Done is called with every outcome, serialized by the pool.
func (opt Options) Done(f func(Outcome)) Options {
	opt.done = f
	return opt
}

// Run calls fn for every job index in [0, jobs) on workers goroutines.
// A failing or panicking job is recorded in the report and never stops the others.
func Run(jobs, workers int, fn func(job int) error, options ...Options) Report {
	opt := NewOptions()
	if len(options) > 0 {
		opt = options[0]
	}
	workers = min(max(workers, 1), max(jobs, 1))

	var mu sync.Mutex
	next := 0
	report := Report{Outcomes: make([]Outcome, jobs)}
	take := func() (int, bool) {
		mu.Lock()
		defer mu.Unlock()
		if next >= jobs {
			return -1, false
		}
		next++
		return next - 1, true
	}

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for {
				job, ok := take()
				if !ok {
					return nil
				}
				out := Outcome{Job: job, Err: call(fn, job)}

				mu.Lock()
				report.Outcomes[job] = out
				if out.Err != nil {
					report.Failures++
					opt.log.WithFields(logrus.Fields{"job": job, "worker": w}).Errorf("%+v", out.Err)
				}
				if opt.done != nil {
					opt.done(out)
				}
				mu.Unlock()
			}
		})
	}
	// Workers never return errors.
	g.Wait()
	return report
}

func call(fn func(int) error, job int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %s\n%s", fmt.Sprint(r), debug.Stack())
		}
	}()
	if err := fn(job); err != nil {
		return errors.Wrap(err, fmt.Sprintf("job %d", job))
	}
	return nil
}
