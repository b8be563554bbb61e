package hub

import (
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquirePIDFileWritesOwnPID(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, acquirePIDFile(dir))

	pid, err := PID(dir)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestAcquirePIDFileRejectsLiveHolder(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(pidPath(dir), []byte(strconv.Itoa(os.Getpid())), 0o600))

	err := acquirePIDFile(dir)
	require.Error(t, err)
	var already *AlreadyRunningError
	require.ErrorAs(t, err, &already)
	assert.Equal(t, os.Getpid(), already.PID)
}

func TestAcquirePIDFileReplacesStaleHolder(t *testing.T) {
	dir := t.TempDir()
	// pid 999999999 is above the kernel's pid limit, so it never names a live process.
	require.NoError(t, os.WriteFile(pidPath(dir), []byte("999999999"), 0o600))

	require.NoError(t, acquirePIDFile(dir))
	pid, err := PID(dir)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestReleasePIDFileIdempotent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, releasePIDFile(dir))
	require.NoError(t, acquirePIDFile(dir))
	require.NoError(t, releasePIDFile(dir))
	require.NoError(t, releasePIDFile(dir))

	_, err := PID(dir)
	assert.Error(t, err)
}
