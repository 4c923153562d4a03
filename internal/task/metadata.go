package task

import (
	"time"
)

// HandleRecord ties a transport handle to the task that created it. Records
// outlive the process so a restart can tell whose transfers are still running.
type HandleRecord struct {
	Handle      string    `json:"handle"`
	TaskID      string    `json:"task_id"`
	SessionID   string    `json:"session_id"`
	Direction   string    `json:"direction"`
	URL         string    `json:"url"`
	DestPath    string    `json:"dest_path"`
	CreatedTime time.Time `json:"created_time"`
}
