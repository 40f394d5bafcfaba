package supervisor

import "github.com/mrzor/pm-push/internal/procmeta"

// Process is one entry of the supervisor's process list.
type Process struct {
	PID   int            `json:"pid"`
	Name  string         `json:"name"`
	PMID  procmeta.PMID  `json:"pm_id"`
	Monit Monit          `json:"monit"`
	Env   map[string]any `json:"pm2_env"`
}

// Monit holds the resource usage sampled by the supervisor.
type Monit struct {
	Memory float64 `json:"memory"`
	CPU    float64 `json:"cpu"`
}
