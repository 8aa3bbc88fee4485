package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hsbuild/curator/internal/plan"
)

func TestRoundTrip(t *testing.T) {
	require := require.New(t)
	l := New(t.TempDir())

	require.Equal(NoResult, l.Get(Build, "mtl-2.3.1"), "fresh ledger")

	require.NoError(l.Put(Build, "mtl-2.3.1", true))
	require.Equal(Success, l.Get(Build, "mtl-2.3.1"))

	require.NoError(l.Put(Build, "mtl-2.3.1", false))
	require.Equal(Failure, l.Get(Build, "mtl-2.3.1"))
}

func TestClearAll(t *testing.T) {
	require := require.New(t)
	l := New(t.TempDir())
	id := "base-4.14.0.0"

	for _, stage := range []Stage{Build, Haddock, Test, Bench} {
		require.NoError(l.Put(stage, id, true))
	}

	require.NoError(l.ClearAll(id))

	for _, stage := range []Stage{Build, Haddock, Test, Bench} {
		require.Equal(NoResult, l.Get(stage, id), "stage %v after ClearAll", stage)
	}

	// Clearing an already-empty id must not error.
	require.NoError(l.ClearAll("never-built-1.0"))
}

func TestShouldRerun(t *testing.T) {
	assert := assert.New(t)
	cases := []struct {
		prev     Result
		expected plan.TestState
		want     bool
	}{
		{NoResult, plan.DontBuild, false},
		{NoResult, plan.ExpectSuccess, true},
		{NoResult, plan.ExpectFailure, true},
		{Success, plan.ExpectSuccess, false},
		{Success, plan.ExpectFailure, false},
		{Failure, plan.ExpectSuccess, true},
		{Failure, plan.ExpectFailure, false},
		{Failure, plan.DontBuild, false},
	}
	for _, c := range cases {
		assert.Equal(c.want, ShouldRerun(c.prev, c.expected), "ShouldRerun(%v, %v)", c.prev, c.expected)
	}
}
