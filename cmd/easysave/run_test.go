package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easysave/easysave/internal/backend/backup"
	"github.com/easysave/easysave/internal/store/sqlite"
	"github.com/easysave/easysave/internal/store/types"
)

func setupTestManager(t *testing.T, opts backup.Options) *backup.Manager {
	t.Helper()

	db, err := sqlite.Initialize(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)

	m, err := backup.NewManager(context.Background(), db, nil, opts)
	require.NoError(t, err)

	t.Cleanup(func() {
		m.Close()
		_ = db.Close()
	})
	return m
}

func addTestJob(t *testing.T, m *backup.Manager, name string, files map[string][]byte) (string, string) {
	t.Helper()
	src, dst := t.TempDir(), t.TempDir()
	for rel, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(src, rel), content, 0644))
	}
	_, err := m.AddJob(context.Background(), types.BackupJob{
		Name: name, SourceDir: src, TargetDir: dst, Strategy: types.StrategyFull,
	})
	require.NoError(t, err)
	return src, dst
}

func TestRunForegroundCompletes(t *testing.T) {
	m := setupTestManager(t, backup.Options{})
	_, dst := addTestJob(t, m, "J1", map[string][]byte{
		"a.txt": []byte("alpha"),
		"b.txt": []byte("bravo"),
	})

	var out bytes.Buffer
	require.NoError(t, runForeground(context.Background(), &out, m, "J1", 10*time.Millisecond))

	assert.Contains(t, out.String(), "running J1 (full)")
	assert.Contains(t, out.String(), "Completed")
	assert.Contains(t, out.String(), "2/2")
	assert.FileExists(t, filepath.Join(dst, "a.txt"))
	assert.FileExists(t, filepath.Join(dst, "b.txt"))
}

func TestRunForegroundStopsOnCancel(t *testing.T) {
	m := setupTestManager(t, backup.Options{BandwidthLimit: 256 * 1024})
	_, dst := addTestJob(t, m, "big", map[string][]byte{
		"big.bin": bytes.Repeat([]byte{0xab}, 4<<20),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	var out bytes.Buffer
	require.NoError(t, runForeground(ctx, &out, m, "big", 20*time.Millisecond))

	assert.Contains(t, out.String(), "stopping big")
	assert.Contains(t, out.String(), "Stopped")
	assert.NoFileExists(t, filepath.Join(dst, "big.bin"))

	st, err := m.Status("big")
	require.NoError(t, err)
	assert.Equal(t, backup.StateStopped, st.State)
}

func TestRunForegroundReportsFailure(t *testing.T) {
	m := setupTestManager(t, backup.Options{})
	src, _ := addTestJob(t, m, "gone", map[string][]byte{"a.txt": []byte("alpha")})
	require.NoError(t, os.RemoveAll(src))

	var out bytes.Buffer
	err := runForeground(context.Background(), &out, m, "gone", 10*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run of gone failed")
	assert.Contains(t, out.String(), "Failed")
}

func TestRunForegroundUnknownJob(t *testing.T) {
	m := setupTestManager(t, backup.Options{})

	var out bytes.Buffer
	err := runForeground(context.Background(), &out, m, "nope", 10*time.Millisecond)
	assert.ErrorIs(t, err, backup.ErrNotFound)
	assert.Empty(t, out.String())
}
