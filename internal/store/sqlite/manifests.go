package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/easysave/easysave/internal/store/types"
)

// GetManifest returns the manifest recorded by the last completed run of a
// job. A job that never completed has an empty manifest.
func (database *Database) GetManifest(jobName string) (types.Manifest, error) {
	rows, err := database.readDb.Query(`
        SELECT path, size, mod_time, hash FROM manifests WHERE job_name = ?
    `, jobName)
	if err != nil {
		return nil, fmt.Errorf("GetManifest: error querying manifest: %w", err)
	}
	defer rows.Close()

	manifest := make(types.Manifest)
	for rows.Next() {
		var entry types.ManifestEntry
		var hash int64
		if err := rows.Scan(&entry.Path, &entry.Size, &entry.ModTime, &hash); err != nil {
			return nil, fmt.Errorf("GetManifest: error scanning row: %w", err)
		}
		entry.Hash = uint64(hash)
		manifest[entry.Path] = entry
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("GetManifest: error iterating rows: %w", err)
	}

	return manifest, nil
}

// ReplaceManifest atomically swaps the stored manifest of a job.
func (database *Database) ReplaceManifest(jobName string, manifest types.Manifest) error {
	return database.withTx("ReplaceManifest", func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM manifests WHERE job_name = ?", jobName); err != nil {
			return fmt.Errorf("ReplaceManifest: error clearing manifest: %w", err)
		}

		stmt, err := tx.Prepare(`
            INSERT INTO manifests (job_name, path, size, mod_time, hash) VALUES (?, ?, ?, ?, ?)
        `)
		if err != nil {
			return fmt.Errorf("ReplaceManifest: error preparing insert: %w", err)
		}
		defer stmt.Close()

		for path, entry := range manifest {
			if _, err := stmt.Exec(jobName, path, entry.Size, entry.ModTime, int64(entry.Hash)); err != nil {
				return fmt.Errorf("ReplaceManifest: error inserting %s: %w", path, err)
			}
		}
		return nil
	})
}
