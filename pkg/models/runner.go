package models

import (
	"time"
)

// Runner statuses
const (
	RunnerStatusAvailable = "available"
	RunnerStatusBusy      = "busy"
	RunnerStatusOffline   = "offline"
)

// Toolchain describes the build tooling detected on a runner host.
type Toolchain struct {
	CargoVersion  string `json:"cargo_version,omitempty"`
	RustupPresent bool   `json:"rustup_present"`
	DFXVersion    string `json:"dfx_version,omitempty"`
}

// Runner represents a registered agent that executes jobs.
type Runner struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Address       string            `json:"address"`
	CPUThreads    int               `json:"cpu_threads"`
	CPUModel      string            `json:"cpu_model"`
	RAMTotalBytes uint64            `json:"ram_total_bytes"`
	Labels        map[string]string `json:"labels,omitempty"`
	Toolchain     Toolchain         `json:"toolchain"`
	Status        string            `json:"status"`
	CurrentJobID  string            `json:"current_job_id,omitempty"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	RegisteredAt  time.Time         `json:"registered_at"`
}

// RunnerRegistration represents a registration request from an agent.
type RunnerRegistration struct {
	Name          string            `json:"name"`
	Address       string            `json:"address"`
	CPUThreads    int               `json:"cpu_threads"`
	CPUModel      string            `json:"cpu_model"`
	RAMTotalBytes uint64            `json:"ram_total_bytes"`
	Labels        map[string]string `json:"labels,omitempty"`
	Toolchain     Toolchain         `json:"toolchain"`
}
