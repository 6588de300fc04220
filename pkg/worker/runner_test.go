package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgecad/pulse/ent"
	"github.com/forgecad/pulse/pkg/reporter"
)

func TestRegistryDispatch(t *testing.T) {
	reg := NewRegistry()

	var ran string
	reg.Register("export", RunnerFunc(func(_ context.Context, job *ent.Job, _ *reporter.Reporter) error {
		ran = job.JobType
		return nil
	}))
	reg.Register("solve", RunnerFunc(func(context.Context, *ent.Job, *reporter.Reporter) error {
		return errors.New("solver blew up")
	}))

	err := reg.Run(context.Background(), &ent.Job{JobType: "export"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "export", ran)

	err = reg.Run(context.Background(), &ent.Job{JobType: "solve"}, nil)
	assert.EqualError(t, err, "solver blew up")
}

func TestRegistryUnknownType(t *testing.T) {
	reg := NewRegistry()
	err := reg.Run(context.Background(), &ent.Job{JobType: "mystery"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mystery")
}

func TestRegistryReplacesBinding(t *testing.T) {
	reg := NewRegistry()
	reg.Register("export", RunnerFunc(func(context.Context, *ent.Job, *reporter.Reporter) error {
		return errors.New("old")
	}))
	reg.Register("export", RunnerFunc(func(context.Context, *ent.Job, *reporter.Reporter) error {
		return nil
	}))
	assert.NoError(t, reg.Run(context.Background(), &ent.Job{JobType: "export"}, nil))
}
