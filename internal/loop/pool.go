package loop

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/rdloop/internal/workspace"
)

// Job is one run for a Pool.
type Job struct {
	RunID  string
	Resume bool
}

// Pool drives independent runs on a bounded number of workers. Each run gets
// its own Controller from New.
type Pool struct {
	Workers int
	New     func(job Job) (*Controller, error)
}

// Run drives every job and returns one Report per job, in job order. A run
// that could not start gets a Report with reason unrecoverable_error. One
// run failing never stops the others.
func (p *Pool) Run(ctx context.Context, jobs []Job) []*Report {
	reports := make([]*Report, len(jobs))
	var g errgroup.Group
	workers := p.Workers
	if workers <= 0 {
		workers = 1
	}
	g.SetLimit(workers)

	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			reports[i] = p.runOne(ctx, job)
			return nil
		})
	}
	_ = g.Wait()
	return reports
}

func (p *Pool) runOne(ctx context.Context, job Job) *Report {
	failed := func(err error) *Report {
		return &Report{RunID: job.RunID, Reason: workspace.ReasonUnrecoverableError, Err: err}
	}
	c, err := p.New(job)
	if err != nil {
		return failed(fmt.Errorf("build controller for %s: %w", job.RunID, err))
	}
	var rep *Report
	if job.Resume {
		rep, err = c.Resume(ctx, job.RunID)
	} else {
		rep, err = c.Start(ctx, job.RunID)
	}
	if err != nil {
		return failed(err)
	}
	return rep
}
