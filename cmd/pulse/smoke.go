package main

import (
	"context"
	"time"

	"github.com/forgecad/pulse/ent"
	"github.com/forgecad/pulse/pkg/reporter"
)

// smokeRun walks a short synthetic operation through the reporter so a fresh
// deployment can verify end-to-end delivery: enqueue a smoke_test job, watch
// its stream, see the milestones and the terminal envelope arrive.
func smokeRun(ctx context.Context, job *ent.Job, rep *reporter.Reporter) error {
	steps := 5
	if v, ok := job.Params["steps"].(float64); ok && v > 0 {
		steps = int(v)
	}

	return rep.WithOperation("smoke", "system", steps, func(op *reporter.Operation) error {
		for i := 1; i <= steps; i++ {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
			if err := op.Update(i, "smoke step"); err != nil {
				return err
			}
		}
		return nil
	})
}
