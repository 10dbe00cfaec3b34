package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/easysave/easysave/internal/store/types"
)

// CreateJob inserts a new job record together with its exclusions.
func (database *Database) CreateJob(job types.BackupJob) error {
	if job.Name == "" {
		return errors.New("CreateJob: name is empty")
	}
	if job.SourceDir == "" || job.TargetDir == "" {
		return errors.New("CreateJob: source and target are required")
	}
	if !job.Strategy.Valid() {
		return fmt.Errorf("CreateJob: invalid strategy -> %s", job.Strategy)
	}

	return database.withTx("CreateJob", func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRow("SELECT 1 FROM jobs WHERE name = ? LIMIT 1", job.Name).Scan(&exists)
		if err == nil {
			return fmt.Errorf("CreateJob: %w: %s", ErrJobExists, job.Name)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("CreateJob: error checking job existence: %w", err)
		}

		_, err = tx.Exec(`
            INSERT INTO jobs (name, source_dir, target_dir, strategy, comment, created_at)
            VALUES (?, ?, ?, ?, ?, ?)
        `, job.Name, job.SourceDir, job.TargetDir, string(job.Strategy), job.Comment, job.CreatedAt)
		if err != nil {
			return fmt.Errorf("CreateJob: error inserting job: %w", err)
		}

		for idx, pattern := range job.Exclusions {
			pattern = strings.ReplaceAll(strings.TrimSpace(pattern), "\\", "/")
			if pattern == "" {
				continue
			}
			_, err = tx.Exec(`
                INSERT INTO exclusions (job_name, position, pattern) VALUES (?, ?, ?)
            `, job.Name, idx, pattern)
			if err != nil {
				return fmt.Errorf("CreateJob: failed to create exclusion '%s': %w", pattern, err)
			}
		}

		return nil
	})
}

// GetJob retrieves a job by name and assembles its exclusions.
func (database *Database) GetJob(name string) (types.BackupJob, error) {
	var job types.BackupJob
	var strategy string

	err := database.readDb.QueryRow(`
        SELECT name, source_dir, target_dir, strategy, comment, created_at
        FROM jobs WHERE name = ?
    `, name).Scan(&job.Name, &job.SourceDir, &job.TargetDir, &strategy, &job.Comment, &job.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.BackupJob{}, sql.ErrNoRows
		}
		return types.BackupJob{}, fmt.Errorf("GetJob: error querying job data: %w", err)
	}
	job.Strategy = types.Strategy(strategy)

	job.Exclusions, err = database.getJobExclusions(name)
	if err != nil {
		return types.BackupJob{}, err
	}

	return job, nil
}

func (database *Database) getJobExclusions(name string) ([]string, error) {
	rows, err := database.readDb.Query(`
        SELECT pattern FROM exclusions WHERE job_name = ? ORDER BY position
    `, name)
	if err != nil {
		return nil, fmt.Errorf("getJobExclusions: error querying exclusions: %w", err)
	}
	defer rows.Close()

	var patterns []string
	for rows.Next() {
		var pattern string
		if err := rows.Scan(&pattern); err != nil {
			return nil, fmt.Errorf("getJobExclusions: error scanning row: %w", err)
		}
		patterns = append(patterns, pattern)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("getJobExclusions: error iterating rows: %w", err)
	}
	return patterns, nil
}

// GetAllJobs returns all job records ordered by name.
func (database *Database) GetAllJobs() ([]types.BackupJob, error) {
	rows, err := database.readDb.Query(`
        SELECT j.name, j.source_dir, j.target_dir, j.strategy, j.comment, j.created_at, e.pattern
        FROM jobs j
        LEFT JOIN exclusions e ON j.name = e.job_name
        ORDER BY j.name, e.position
    `)
	if err != nil {
		return nil, fmt.Errorf("GetAllJobs: error querying jobs: %w", err)
	}
	defer rows.Close()

	jobsMap := make(map[string]*types.BackupJob)
	var jobOrder []string

	for rows.Next() {
		var name, source, target, strategy, comment string
		var createdAt int64
		var pattern sql.NullString

		if err := rows.Scan(&name, &source, &target, &strategy, &comment, &createdAt, &pattern); err != nil {
			return nil, fmt.Errorf("GetAllJobs: error scanning row: %w", err)
		}

		job, exists := jobsMap[name]
		if !exists {
			job = &types.BackupJob{
				Name:      name,
				SourceDir: source,
				TargetDir: target,
				Strategy:  types.Strategy(strategy),
				Comment:   comment,
				CreatedAt: createdAt,
			}
			jobsMap[name] = job
			jobOrder = append(jobOrder, name)
		}

		if pattern.Valid && pattern.String != "" {
			job.Exclusions = append(job.Exclusions, pattern.String)
		}
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("GetAllJobs: error iterating job results: %w", err)
	}

	jobs := make([]types.BackupJob, len(jobOrder))
	for i, name := range jobOrder {
		jobs[i] = *jobsMap[name]
	}

	return jobs, nil
}

// DeleteJob deletes a job, its exclusions and its manifest. It returns
// sql.ErrNoRows when no such job exists.
func (database *Database) DeleteJob(name string) error {
	return database.withTx("DeleteJob", func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM exclusions WHERE job_name = ?", name); err != nil {
			return fmt.Errorf("DeleteJob: error deleting exclusions for job %s: %w", name, err)
		}
		if _, err := tx.Exec("DELETE FROM manifests WHERE job_name = ?", name); err != nil {
			return fmt.Errorf("DeleteJob: error deleting manifest for job %s: %w", name, err)
		}

		res, err := tx.Exec("DELETE FROM jobs WHERE name = ?", name)
		if err != nil {
			return fmt.Errorf("DeleteJob: error deleting job %s: %w", name, err)
		}

		rowsAffected, _ := res.RowsAffected()
		if rowsAffected == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}
