package sqlite

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easysave/easysave/internal/store/types"
)

// setupTestStore creates a new database in a temporary directory
func setupTestStore(t *testing.T) *Database {
	t.Helper()

	db, err := Initialize(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return db
}

func TestJobCRUD(t *testing.T) {
	db := setupTestStore(t)

	t.Run("Basic CRUD Operations", func(t *testing.T) {
		job := types.BackupJob{
			Name:       "test-job-1",
			SourceDir:  "/data/src",
			TargetDir:  "/data/dst",
			Strategy:   types.StrategyDifferential,
			Exclusions: []string{"*.tmp", "cache/**"},
			Comment:    "Test backup job",
			CreatedAt:  1700000000,
		}

		err := db.CreateJob(job)
		require.NoError(t, err)

		retrieved, err := db.GetJob(job.Name)
		require.NoError(t, err)
		assert.Equal(t, job, retrieved)

		jobs, err := db.GetAllJobs()
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, job, jobs[0])

		err = db.DeleteJob(job.Name)
		require.NoError(t, err)

		_, err = db.GetJob(job.Name)
		assert.ErrorIs(t, err, sql.ErrNoRows)

		err = db.DeleteJob(job.Name)
		assert.ErrorIs(t, err, sql.ErrNoRows)
	})

	t.Run("Duplicate Name", func(t *testing.T) {
		job := types.BackupJob{Name: "dup", SourceDir: "/a", TargetDir: "/b", Strategy: types.StrategyFull}
		require.NoError(t, db.CreateJob(job))

		job.SourceDir = "/other"
		err := db.CreateJob(job)
		assert.ErrorIs(t, err, ErrJobExists)

		stored, err := db.GetJob("dup")
		require.NoError(t, err)
		assert.Equal(t, "/a", stored.SourceDir)
	})

	t.Run("Validation", func(t *testing.T) {
		assert.Error(t, db.CreateJob(types.BackupJob{SourceDir: "/a", TargetDir: "/b", Strategy: types.StrategyFull}))
		assert.Error(t, db.CreateJob(types.BackupJob{Name: "x", TargetDir: "/b", Strategy: types.StrategyFull}))
		assert.Error(t, db.CreateJob(types.BackupJob{Name: "x", SourceDir: "/a", TargetDir: "/b", Strategy: "mirror"}))
	})

	t.Run("Concurrent Operations", func(t *testing.T) {
		var wg sync.WaitGroup
		jobCount := 10

		for i := 0; i < jobCount; i++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				job := types.BackupJob{
					Name:      fmt.Sprintf("concurrent-job-%d", idx),
					SourceDir: fmt.Sprintf("/src/%d", idx),
					TargetDir: fmt.Sprintf("/dst/%d", idx),
					Strategy:  types.StrategyFull,
				}
				assert.NoError(t, db.CreateJob(job))
			}(i)
		}
		wg.Wait()

		jobs, err := db.GetAllJobs()
		require.NoError(t, err)

		count := 0
		for _, job := range jobs {
			if strings.HasPrefix(job.Name, "concurrent-job-") {
				count++
			}
		}
		assert.Equal(t, jobCount, count)
	})
}

func TestManifest(t *testing.T) {
	db := setupTestStore(t)
	require.NoError(t, db.CreateJob(types.BackupJob{Name: "m", SourceDir: "/a", TargetDir: "/b", Strategy: types.StrategyDifferential}))

	empty, err := db.GetManifest("m")
	require.NoError(t, err)
	assert.Empty(t, empty)

	manifest := types.Manifest{
		"a.txt":     {Path: "a.txt", Size: 10, ModTime: 123, Hash: 0xffffffffffffffff},
		"dir/b.txt": {Path: "dir/b.txt", Size: 20, ModTime: 456, Hash: 42},
	}
	require.NoError(t, db.ReplaceManifest("m", manifest))

	got, err := db.GetManifest("m")
	require.NoError(t, err)
	assert.Equal(t, manifest, got)

	replacement := types.Manifest{"c.txt": {Path: "c.txt", Size: 1, ModTime: 1, Hash: 1}}
	require.NoError(t, db.ReplaceManifest("m", replacement))

	got, err = db.GetManifest("m")
	require.NoError(t, err)
	assert.Equal(t, replacement, got)

	require.NoError(t, db.DeleteJob("m"))
	got, err = db.GetManifest("m")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestInitializeTwice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twice.db")

	db, err := Initialize(path)
	require.NoError(t, err)
	require.NoError(t, db.CreateJob(types.BackupJob{Name: "keep", SourceDir: "/a", TargetDir: "/b", Strategy: types.StrategyFull}))
	require.NoError(t, db.Close())

	db, err = Initialize(path)
	require.NoError(t, err)
	defer db.Close()

	jobs, err := db.GetAllJobs()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "keep", jobs[0].Name)
}
