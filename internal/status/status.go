// Package status turns the supervisor's process list into the summary
// carried by status snapshots.
package status

import (
	"math"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/mrzor/pm-push/internal/procmeta"
	"github.com/mrzor/pm-push/internal/supervisor"
)

// Summary is the data field of a status snapshot.
type Summary struct {
	Processes []Process `json:"process"`
	Server    Server    `json:"server"`
}

// Process is the per-process part of a summary.
type Process struct {
	PID         int           `json:"pid"`
	Name        string        `json:"name"`
	PMID        procmeta.PMID `json:"pm_id"`
	Status      any           `json:"status"`
	RestartTime any           `json:"restart_time"`
	CreatedAt   any           `json:"created_at"`
	Uptime      any           `json:"pm_uptime"`
	ExecMode    any           `json:"exec_mode"`
	Interpreter any           `json:"interpreter"`
	Path        any           `json:"path"`
	Watching    any           `json:"watching"`
	CPU         int64         `json:"cpu"`
	Memory      int64         `json:"memory"`
	Versioning  any           `json:"versioning"`
	NodeEnv     any           `json:"node_env"`
	Actions     any           `json:"axm_actions"`
	Monitor     any           `json:"axm_monitor"`
	Options     any           `json:"axm_options"`
	Dynamic     any           `json:"axm_dynamic"`
}

// Server describes the host the agent runs on.
type Server struct {
	Hostname string  `json:"hostname"`
	CPUs     int     `json:"cpu"`
	Platform string  `json:"platform"`
	Arch     string  `json:"arch"`
	Uptime   float64 `json:"uptime"`
	Version  string  `json:"agent_version"`
}

// Summarizer builds summaries. It is safe for concurrent use.
type Summarizer struct {
	version  string
	hostname string
	started  time.Time
	now      func() time.Time
}

// NewSummarizer creates a Summarizer reporting version as the agent version.
func NewSummarizer(version string) *Summarizer {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &Summarizer{
		version:  version,
		hostname: hostname,
		started:  time.Now(),
		now:      time.Now,
	}
}

// Summarize formats procs. Shadow processes left over from a reload are
// skipped.
func (s *Summarizer) Summarize(procs []supervisor.Process) Summary {
	out := Summary{
		Processes: make([]Process, 0, len(procs)),
		Server: Server{
			Hostname: s.hostname,
			CPUs:     runtime.NumCPU(),
			Platform: runtime.GOOS,
			Arch:     runtime.GOARCH,
			Uptime:   math.Floor(s.now().Sub(s.started).Seconds()),
			Version:  s.version,
		},
	}

	for _, proc := range procs {
		name := processName(proc)
		if strings.Contains(name, "_old_") {
			continue
		}
		env := proc.Env

		pmID := proc.PMID
		if pmID.IsZero() {
			if n, ok := env["pm_id"].(float64); ok {
				pmID = procmeta.NumericID(int(n))
			}
		}

		out.Processes = append(out.Processes, Process{
			PID:         proc.PID,
			Name:        name,
			PMID:        pmID,
			Status:      env["status"],
			RestartTime: env["restart_time"],
			CreatedAt:   env["created_at"],
			Uptime:      env["pm_uptime"],
			ExecMode:    env["exec_mode"],
			Interpreter: env["exec_interpreter"],
			Path:        env["pm_exec_path"],
			Watching:    env["watch"],
			CPU:         floor(proc.Monit.CPU),
			Memory:      floor(proc.Monit.Memory),
			Versioning:  orDefault(env["versioning"], nil),
			NodeEnv:     orDefault(env["NODE_ENV"], nil),
			Actions:     orDefault(env["axm_actions"], []any{}),
			Monitor:     orDefault(env["axm_monitor"], map[string]any{}),
			Options:     orDefault(env["axm_options"], map[string]any{}),
			Dynamic:     orDefault(env["dynamic"], map[string]any{}),
		})
	}

	return out
}

func processName(proc supervisor.Process) string {
	if name, ok := proc.Env["name"].(string); ok && name != "" {
		return name
	}
	return proc.Name
}

func floor(v float64) int64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return int64(math.Floor(v))
}

func orDefault(v, fallback any) any {
	if v == nil {
		return fallback
	}
	return v
}
