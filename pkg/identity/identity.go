// Package identity derives a stable per-process worker identifier, used to
// attribute state sync events and snapshots to their originating worker.
package identity

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// WorkerID uniquely identifies one running process across the deployment.
type WorkerID string

// NewWorkerID builds a worker ID from hostname, pid and a random suffix.
// The hostname and pid make IDs readable in logs; the suffix keeps them
// unique across pid reuse and container restarts.
func NewWorkerID() WorkerID {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	suffix := strings.Split(uuid.NewString(), "-")[0]
	return WorkerID(fmt.Sprintf("%s-%d-%d-%s", host, os.Getpid(), time.Now().Unix(), suffix))
}

func (w WorkerID) String() string {
	return string(w)
}
