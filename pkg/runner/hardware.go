package runner

import (
	"os/exec"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/gatehouse-ci/gatehouse/pkg/models"
)

// DetectHardware probes CPU and memory for runner registration
func DetectHardware() (threads int, model string, ramBytes uint64) {
	threads = runtime.NumCPU()
	model = "unknown"

	if info, err := cpu.Info(); err == nil && len(info) > 0 {
		model = info[0].ModelName
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		ramBytes = vm.Total
	}
	return threads, model, ramBytes
}

// DetectToolchain probes the Rust and dfx toolchains available on this
// machine. Missing tools leave their fields empty; the master can use
// labels to keep jobs off runners that lack what they need.
func DetectToolchain() models.Toolchain {
	tc := models.Toolchain{}

	if out, err := exec.Command("cargo", "--version").Output(); err == nil {
		tc.CargoVersion = strings.TrimSpace(string(out))
	}
	if _, err := exec.LookPath("rustup"); err == nil {
		tc.RustupPresent = true
	}
	if out, err := exec.Command("dfx", "--version").Output(); err == nil {
		tc.DFXVersion = strings.TrimSpace(string(out))
	}

	return tc
}
