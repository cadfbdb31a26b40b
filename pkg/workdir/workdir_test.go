package workdir

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnsureLayout(t *testing.T) {
	root, err := New(filepath.Join(t.TempDir(), "dsas"))
	require.NoError(t, err)
	require.NoError(t, root.EnsureLayout())

	for _, dir := range []string{
		root.AnalysesDir(),
		root.UntrackedDir(),
		root.SocketsDir(),
	} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		require.True(t, info.IsDir())
	}
}

func TestAnalysisIDs(t *testing.T) {
	id := NewAnalysisID(time.Date(2025, 1, 2, 15, 0, 0, 0, time.UTC))
	require.True(t, ValidAnalysisID(id), id)
	require.Equal(t, "20250102", id[:8])

	other := NewAnalysisID(time.Now())
	require.NotEqual(t, id, other)

	require.False(t, ValidAnalysisID("nope"))
	require.False(t, ValidAnalysisID("20250102-aaaaaa"), "lowercase suffix")
	require.False(t, ValidAnalysisID("../../etc/passwd"))
}

func TestTaskIDs(t *testing.T) {
	id := TaskID("20250102-ABC123", 4)
	require.Equal(t, "20250102-ABC123_4", id)
	require.True(t, ValidTaskID(id))

	analysisID, number, err := SplitTaskID(id)
	require.NoError(t, err)
	require.Equal(t, "20250102-ABC123", analysisID)
	require.Equal(t, 4, number)

	_, _, err = SplitTaskID("no-separator")
	require.ErrorIs(t, err, ErrInvalidID{ID: "no-separator"})
	_, _, err = SplitTaskID("20250102-ABC123_x")
	require.Error(t, err)
}

func TestPathLayout(t *testing.T) {
	root, err := New("/srv/dsas")
	require.NoError(t, err)

	a := root.Analysis("20250102-ABC123")
	require.Equal(t, "/srv/dsas/analyses/20250102-ABC123", a.Dir())
	require.Equal(t, filepath.Join(a.Dir(), "analysis.json"), a.Document())
	require.Equal(t, filepath.Join(a.Dir(), "sample"), a.Sample())

	tp := root.Task("20250102-ABC123_1")
	require.Equal(t, filepath.Join(a.Dir(), "20250102-ABC123_1"), tp.Dir())
	require.Equal(t, filepath.Join(tp.Dir(), "task.json"), tp.Document())
	require.Equal(t, filepath.Join(tp.Dir(), "report.json"), tp.Report())

	require.Equal(t, "/srv/dsas/untracked/20250102-ABC123", root.Untracked("20250102-ABC123"))
	require.Equal(t, "/srv/dsas/sockets/controller.sock", root.ControllerSocket())
	require.Equal(t, "/srv/dsas/sockets/machinery/qemu_win10-1.sock",
		root.MachinerySocket("qemu", "win10-1"))
}
