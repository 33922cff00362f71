package workspace

import (
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lungseg/internal/errs"
	"github.com/banshee-data/lungseg/internal/fsutil"
	"github.com/banshee-data/lungseg/internal/monitoring"
)

func init() {
	monitoring.SetLogger(nil)
}

func TestNewID(t *testing.T) {
	id := NewID()
	assert.Len(t, id, 32)
	assert.NotContains(t, id, "-")
	assert.NotEqual(t, id, NewID())
}

func TestLayout(t *testing.T) {
	ws, err := NewWithID(fsutil.NewMemoryFileSystem(), "temp", "abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", ws.ID())
	assert.Equal(t, "temp", ws.Dir())
	assert.Equal(t, filepath.Join("temp", "abc.npy"), ws.SignalPath())
	assert.Equal(t, filepath.Join("temp", "abc.npy.enc"), ws.UploadPath())
	assert.Equal(t, filepath.Join("temp", "abc.processed.npy.gz"), ws.ReplyPath())
	assert.Equal(t, filepath.Join("temp", "abc.processed.npy.gz.enc"), ws.EncryptedReplyPath())
}

func TestNew_Idempotent(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	_, err := New(fsys, "temp/nested")
	require.NoError(t, err)
	_, err = New(fsys, "temp/nested")
	require.NoError(t, err)
	assert.True(t, fsys.Exists("temp/nested"))
}

func TestNewWithID_RejectsBadIDs(t *testing.T) {
	for _, id := range []string{"", "../x", "a/b", `a\b`} {
		_, err := NewWithID(fsutil.NewMemoryFileSystem(), "temp", id)
		require.Error(t, err, "id %q", id)
		assert.True(t, errs.IsKind(err, errs.KindFileSystem))
	}
}

func TestWriteCreateAndCleanup(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	ws, err := New(fsys, "temp")
	require.NoError(t, err)

	sig, err := ws.WriteFile(SuffixSignal, []byte("npy"))
	require.NoError(t, err)

	wc, up, err := ws.Create(SuffixUpload)
	require.NoError(t, err)
	_, err = wc.Write([]byte("sealed"))
	require.NoError(t, err)
	require.NoError(t, wc.Close())

	f, err := ws.Open(SuffixUpload)
	require.NoError(t, err)
	b, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "sealed", string(b))

	// Writing the same suffix twice records it once.
	_, err = ws.WriteFile(SuffixSignal, []byte("npy2"))
	require.NoError(t, err)
	assert.Equal(t, []string{sig, up}, ws.Files())

	// A file the run did not create must survive cleanup.
	require.NoError(t, fsys.WriteFile("temp/other-run.npy", []byte("x"), 0600))

	r := ws.Cleanup()
	assert.True(t, r.OK())
	assert.ElementsMatch(t, []string{sig, up}, r.Removed)
	assert.False(t, fsys.Exists(sig))
	assert.False(t, fsys.Exists(up))
	assert.True(t, fsys.Exists("temp/other-run.npy"))
	assert.Equal(t, "removed 2 temp files", r.String())

	// Cleanup runs once; later writes are refused.
	assert.Empty(t, ws.Cleanup().Removed)
	_, err = ws.WriteFile(SuffixReply, []byte("x"))
	assert.Error(t, err)
}

func TestCleanup_FailuresAreReported(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	ws, err := NewWithID(fsys, "temp", "run1")
	require.NoError(t, err)
	p, err := ws.WriteFile(SuffixSignal, []byte("npy"))
	require.NoError(t, err)
	fsys.RemoveErr = errors.New("device busy")

	r := ws.Cleanup()
	assert.False(t, r.OK())
	require.Len(t, r.Failed, 1)
	assert.ErrorContains(t, r.Failed[p], "device busy")
	assert.Equal(t, "removed 0 temp files, 1 failed (temp/run1.npy)", r.String())
	assert.True(t, fsys.Exists(p))
}

func TestCleanup_ReportsMissing(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	ws, err := NewWithID(fsys, "temp", "run2")
	require.NoError(t, err)
	p, err := ws.WriteFile(SuffixReply, []byte("gz"))
	require.NoError(t, err)
	require.NoError(t, fsys.Remove(p))

	r := ws.Cleanup()
	assert.True(t, r.OK())
	assert.Equal(t, []string{p}, r.Missing)
	assert.Equal(t, "removed 0 temp files, 1 already gone", r.String())
}

func TestConcurrentRunsAreIsolated(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	const runs = 8

	var wg sync.WaitGroup
	spaces := make([]*Workspace, runs)
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ws, err := New(fsys, "temp")
			if err != nil {
				t.Error(err)
				return
			}
			for _, s := range []string{SuffixSignal, SuffixUpload, SuffixReply} {
				if _, err := ws.WriteFile(s, []byte(ws.ID())); err != nil {
					t.Error(err)
				}
			}
			spaces[i] = ws
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, ws := range spaces {
		require.NotNil(t, ws)
		for _, f := range ws.Files() {
			assert.False(t, seen[f], "file %s shared between runs", f)
			seen[f] = true
		}
	}

	// Cleaning one run leaves every other run's files in place.
	spaces[0].Cleanup()
	names, err := fsys.List("temp")
	require.NoError(t, err)
	assert.Len(t, names, 3*(runs-1))
	for _, f := range spaces[1].Files() {
		assert.True(t, fsys.Exists(f))
	}
}
