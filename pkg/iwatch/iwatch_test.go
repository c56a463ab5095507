package iwatch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sunlightlinux/rlinit/pkg/logging"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *logging.Logger {
	return logging.New(logging.LevelError)
}

func TestDisabledUntilInit(t *testing.T) {
	w := New(testLogger())

	assert.ErrorIs(t, w.Add("/tmp", DefaultMask), ErrNotInitialized)
	assert.ErrorIs(t, w.Del(&Entry{Path: "/tmp"}), ErrNotInitialized)
	assert.Nil(t, w.FindByPath("/tmp"))

	// Teardown before init is a safe no-op.
	w.Teardown()
}

func TestAddMissingPathIsNoop(t *testing.T) {
	w := New(testLogger())
	require.NoError(t, w.Init())
	defer w.Teardown()

	err := w.Add(filepath.Join(t.TempDir(), "does-not-exist.conf"), DefaultMask)
	require.NoError(t, err)
	assert.Nil(t, w.FindByPath("does-not-exist.conf"))
}

func TestAddAndFind(t *testing.T) {
	w := New(testLogger())
	require.NoError(t, w.Init())
	defer w.Teardown()

	dir := t.TempDir()
	require.NoError(t, w.Add(dir, DefaultMask))

	e := w.FindByPath(dir)
	require.NotNil(t, e)
	assert.Equal(t, dir, e.Path)
	assert.Equal(t, DefaultMask, e.Mask)

	// Re-adding updates the mask in place.
	require.NoError(t, w.Add(dir, MaskModify))
	assert.Equal(t, MaskModify, w.FindByPath(dir).Mask)
}

func TestDel(t *testing.T) {
	w := New(testLogger())
	require.NoError(t, w.Init())
	defer w.Teardown()

	dir := t.TempDir()
	require.NoError(t, w.Add(dir, DefaultMask))

	e := w.FindByPath(dir)
	require.NotNil(t, e)
	require.NoError(t, w.Del(e))
	assert.Nil(t, w.FindByPath(dir))

	assert.Error(t, w.Del(e), "double delete should report an error")
}

func TestCreateEventInWatchedDir(t *testing.T) {
	w := New(testLogger())
	require.NoError(t, w.Init())
	defer w.Teardown()

	dir := t.TempDir()
	require.NoError(t, w.Add(dir, DefaultMask))

	file := filepath.Join(dir, "drop-in.conf")
	require.NoError(t, os.WriteFile(file, []byte("service /bin/x\n"), 0644))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-w.Events:
			if ev.Name != file {
				continue
			}
			assert.Equal(t, dir, ev.Path)
			assert.True(t, ev.Op == MaskCreate || ev.Op == MaskModify,
				"expected create or modify, got %v", ev.Op)
			return
		case <-deadline:
			t.Fatal("no event for created file")
		}
	}
}

func TestMaskFiltersEvents(t *testing.T) {
	w := New(testLogger())
	require.NoError(t, w.Init())
	defer w.Teardown()

	dir := t.TempDir()
	require.NoError(t, w.Add(dir, MaskDelete))

	file := filepath.Join(dir, "ignored.conf")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))

	select {
	case ev := <-w.Events:
		t.Fatalf("create event should have been filtered, got %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestTeardownAllowsReinit(t *testing.T) {
	w := New(testLogger())
	require.NoError(t, w.Init())

	dir := t.TempDir()
	require.NoError(t, w.Add(dir, DefaultMask))

	w.Teardown()
	assert.ErrorIs(t, w.Add(dir, DefaultMask), ErrNotInitialized)

	require.NoError(t, w.Init())
	require.NoError(t, w.Add(dir, DefaultMask))
	w.Teardown()
}
