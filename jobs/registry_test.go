package jobs

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/santif/jobsched/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	noop := func(observability.Logger, *JobConfiguration) (Job, error) {
		return JobFunc(func(context.Context, *Execution) error { return nil }), nil
	}

	t.Run("register and create", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register("cleanup", noop))
		assert.True(t, r.Supports("cleanup"))
		assert.False(t, r.Supports("backup"))

		job, err := r.Create(observability.NewNoOpLogger(), &JobConfiguration{Name: "c", Kind: "cleanup"})
		require.NoError(t, err)
		assert.NotNil(t, job)
	})

	t.Run("duplicate kind", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register("cleanup", noop))
		err := r.Register("cleanup", noop)
		assert.True(t, errors.Is(err, ErrDuplicateJobKind))
		assert.Panics(t, func() { r.MustRegister("cleanup", noop) })
	})

	t.Run("unknown kind is logged", func(t *testing.T) {
		logger := observability.NewRecordingLogger()
		_, err := NewRegistry().Create(logger, &JobConfiguration{Name: "x", Kind: "backup"})
		assert.True(t, errors.Is(err, ErrUnknownJobKind))
		assert.Equal(t, 1, logger.Count(observability.LogLevelError, "not supported"))
	})

	t.Run("factory error", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register("broken", func(observability.Logger, *JobConfiguration) (Job, error) {
			return nil, errors.New("no credentials")
		}))
		_, err := r.Create(observability.NewNoOpLogger(), &JobConfiguration{Name: "b", Kind: "broken"})
		assert.ErrorContains(t, err, "no credentials")
	})

	t.Run("default kinds", func(t *testing.T) {
		assert.Equal(t, []Kind{KindRunProgram}, DefaultRegistry().Kinds())
	})
}

func TestJobConfiguration_Validate(t *testing.T) {
	valid := &JobConfiguration{
		Name:       "backup",
		Kind:       KindRunProgram,
		RunState:   RunStateAutomatic,
		RunProgram: &RunProgramSettings{FileName: "/usr/bin/backup"},
	}
	require.NoError(t, valid.Validate())

	missingSettings := valid.Clone()
	missingSettings.RunProgram = nil
	assert.True(t, errors.Is(missingSettings.Validate(), ErrInvalidConfiguration))

	missingName := valid.Clone()
	missingName.Name = ""
	err := missingName.Validate()
	assert.True(t, errors.Is(err, ErrInvalidConfiguration))
	assert.Contains(t, err.Error(), "name")

	badRunState := valid.Clone()
	badRunState.RunState = RunState(9)
	assert.True(t, errors.Is(badRunState.Validate(), ErrInvalidConfiguration))
}

func TestJobConfiguration_Clone(t *testing.T) {
	original := &JobConfiguration{
		Name:       "copy",
		Kind:       KindRunProgram,
		RunProgram: &RunProgramSettings{FileName: "a"},
		Parameters: map[string]string{"k": "v"},
	}
	clone := original.Clone()
	clone.RunProgram.FileName = "b"
	clone.Parameters["k"] = "w"

	assert.Equal(t, "a", original.RunProgram.FileName)
	assert.Equal(t, "v", original.Parameters["k"])
	assert.Equal(t, DefaultJobTimeout, original.EffectiveTimeout())
}
