package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolve_RejectsEscape(t *testing.T) {
	root := t.TempDir()

	_, err := Resolve(root, "../escape", "")
	require.ErrorIs(t, err, ErrPathViolation)

	_, err = Resolve(root, "/absolute", "")
	require.ErrorIs(t, err, ErrPathViolation)

	_, err = Resolve(root, "nul\x00byte", "")
	require.ErrorIs(t, err, ErrPathViolation)
}

func TestResolve_AllowsRelativeInsideRoot(t *testing.T) {
	root := t.TempDir()

	got, err := Resolve(root, "jobs/abc", "")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "jobs", "abc"), got)
}

func TestResolve_UsesFallbackWhenEmpty(t *testing.T) {
	root := t.TempDir()

	got, err := Resolve(root, "", "01JOBID")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "01JOBID"), got)
}

func TestCreateExclusive_ConflictsOnSecondCall(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "job-dir")

	require.NoError(t, CreateExclusive(dir))
	err := CreateExclusive(dir)
	require.ErrorIs(t, err, ErrPathConflict)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}
