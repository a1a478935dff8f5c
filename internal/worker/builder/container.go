package builder

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// RunSpec describes one containerized build.
type RunSpec struct {
	WorkDir   string // host checkout, mounted read-only at /workspace
	OutputDir string // host output dir, mounted read-write at /output
	Command   string // build command, run with sh -c
	OutputRel string // output dir relative to the repo root, e.g. "build"
	NixFlake  bool   // wrap the command in nix develop

	// Per-build output writers. Nil falls back to the Runner's writers.
	Stdout io.Writer
	Stderr io.Writer
}

// Runner executes builds through the container CLI (podman or docker).
// The repo mount is read-only; the script copies it to tmpfs, builds
// there, and copies only the output subtree back out.
type Runner struct {
	Runtime string
	Image   string
	Network string

	MemoryLimitBytes int64
	CPUQuota         int64
	CPUPeriod        int64
	PidsLimit        int64

	Stdout io.Writer
	Stderr io.Writer
}

// Run executes the build and returns the container exit code.
func (r *Runner) Run(ctx context.Context, spec RunSpec) (int, error) {
	workDir, err := filepath.Abs(spec.WorkDir)
	if err != nil {
		return 1, fmt.Errorf("resolve workdir: %w", err)
	}
	outputDir, err := filepath.Abs(spec.OutputDir)
	if err != nil {
		return 1, fmt.Errorf("resolve output dir: %w", err)
	}

	command := spec.Command
	if spec.NixFlake {
		command = fmt.Sprintf("nix develop -c sh -c %s", shellQuote(spec.Command))
	}
	script := fmt.Sprintf(
		"set -e; cp -r /workspace/. /tmp/build; cd /tmp/build; %s; cp -r %s/. /output/",
		command, shellQuote(spec.OutputRel))

	args := []string{"run", "--rm",
		"-v", workDir + ":/workspace:ro",
		"-v", outputDir + ":/output:rw",
		"--tmpfs", "/tmp:rw,size=2g",
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
	}
	if r.MemoryLimitBytes > 0 {
		args = append(args, "--memory", strconv.FormatInt(r.MemoryLimitBytes, 10))
	}
	if r.CPUQuota > 0 && r.CPUPeriod > 0 {
		args = append(args,
			"--cpu-quota", strconv.FormatInt(r.CPUQuota, 10),
			"--cpu-period", strconv.FormatInt(r.CPUPeriod, 10))
	}
	if r.PidsLimit > 0 {
		args = append(args, "--pids-limit", strconv.FormatInt(r.PidsLimit, 10))
	}
	if r.Network != "" {
		args = append(args, "--network", r.Network)
	}
	args = append(args, r.Image, "sh", "-c", script)

	cmd := exec.CommandContext(ctx, r.Runtime, args...)
	cmd.Stdout = r.Stdout
	if spec.Stdout != nil {
		cmd.Stdout = spec.Stdout
	}
	cmd.Stderr = r.Stderr
	if spec.Stderr != nil {
		cmd.Stderr = spec.Stderr
	}

	err = cmd.Run()
	if err == nil {
		return 0, nil
	}
	if code := exitCode(err); code > 0 {
		return code, nil
	}
	return 1, fmt.Errorf("run build container: %w", err)
}

// CheckAvailable verifies the container runtime responds.
func CheckAvailable(runtime string) error {
	cmd := exec.Command(runtime, "info")
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s not available: %w", runtime, err)
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func exitCode(err error) int {
	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			return status.ExitStatus()
		}
	}
	return -1
}
