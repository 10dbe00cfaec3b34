package backup

import (
	"time"

	"github.com/easysave/easysave/internal/store/types"
)

// StatusEntry is the wire representation of a job's status. Field names and
// order are part of the control protocol.
type StatusEntry struct {
	Name        string  `json:"Name"`
	State       State   `json:"State"`
	Progression float64 `json:"Progression"`
}

// Status extends StatusEntry with the run details kept in process.
type Status struct {
	StatusEntry

	Strategy    types.Strategy `json:"strategy"`
	SourceDir   string         `json:"source_dir"`
	TargetDir   string         `json:"target_dir"`
	RunID       string         `json:"run_id,omitempty"`
	CurrentFile string         `json:"current_file,omitempty"`
	FilesDone   int            `json:"files_done"`
	FilesTotal  int            `json:"files_total"`
	BytesDone   int64          `json:"bytes_done"`
	BytesTotal  int64          `json:"bytes_total"`
	StartedAt   time.Time      `json:"started_at,omitempty"`
	EndedAt     time.Time      `json:"ended_at,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
}

func idleStatus(job types.BackupJob) Status {
	return Status{
		StatusEntry: StatusEntry{
			Name:  job.Name,
			State: StateIdle,
		},
		Strategy:  job.Strategy,
		SourceDir: job.SourceDir,
		TargetDir: job.TargetDir,
	}
}
