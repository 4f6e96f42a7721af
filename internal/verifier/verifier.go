// Package verifier implements the Verification Subsystem: given a card in
// CODE_REVIEW, it runs a declarative verification profile (typecheck, lint,
// tests) inside a Docker container bind-mounted to a sandbox directory
// disjoint from the agent's write root.
package verifier

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Command is one declarative verification step (e.g. "go vet ./...",
// "go test ./...").
type Command struct {
	Name string // human label: "typecheck", "lint", "test"
	Argv []string
}

// Profile is the ordered set of commands a verification run executes. All
// commands run in order; a failing command does not stop later ones — the
// Result aggregates every failure so the orchestrator sees the full
// picture.
type Profile struct {
	Image    string
	Commands []Command
	Timeout  time.Duration
}

// Failure is one failed command's tail output, bounded so a runaway test
// suite can't balloon the ledger.
type Failure struct {
	Command   string
	ExitCode  int
	TailBytes string
}

// Result is the Verification Subsystem's output contract.
type Result struct {
	Passed   bool
	Failures []Failure
}

const tailLimit = 4096

// Verifier runs Profiles inside disposable containers. Each container
// bind-mounts only a per-run copy of the agent's output under
// verificationRoot; the agent's output root itself is never mounted, so
// the agent can never write into the verifier's execution root. The
// separation is a security boundary, not a convention.
type Verifier struct {
	cli              *client.Client
	verificationRoot string
}

// New constructs a Verifier rooted at verificationRoot (the workspace's
// verifier/ directory).
func New(verificationRoot string) (*Verifier, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("verifier: init docker client: %w", err)
	}
	return &Verifier{cli: cli, verificationRoot: verificationRoot}, nil
}

// Run executes profile against agentOutputRoot's contents, copied (not
// bind-mounted writable) into a fresh verification directory under
// v.verificationRoot so the agent side can never observe or poison the
// verifier's working tree mid-run.
func (v *Verifier) Run(ctx context.Context, profile Profile, agentOutputRoot string) (Result, error) {
	runDir := filepath.Join(v.verificationRoot, fmt.Sprintf("run-%d", time.Now().UnixNano()))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("verifier: create run dir: %w", err)
	}
	defer os.RemoveAll(runDir)

	if err := copyTree(agentOutputRoot, runDir); err != nil {
		return Result{}, fmt.Errorf("verifier: snapshot agent output: %w", err)
	}

	result := Result{Passed: true}
	for _, cmd := range profile.Commands {
		exitCode, output, err := v.runOne(ctx, profile.Image, cmd, runDir, profile.Timeout)
		if err != nil {
			return Result{}, fmt.Errorf("verifier: run %q: %w", cmd.Name, err)
		}
		if exitCode != 0 {
			result.Passed = false
			result.Failures = append(result.Failures, Failure{
				Command:   cmd.Name,
				ExitCode:  exitCode,
				TailBytes: tail(output, tailLimit),
			})
		}
	}
	return result, nil
}

func (v *Verifier) runOne(ctx context.Context, image string, cmd Command, runDir string, timeout time.Duration) (int, string, error) {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	name := fmt.Sprintf("orket-verify-%d", time.Now().UnixNano())
	containerConfig := &container.Config{
		Image:      image,
		Cmd:        cmd.Argv,
		WorkingDir: "/verify",
		Tty:        false,
	}
	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: runDir, Target: "/verify"},
		},
		AutoRemove: false,
	}

	resp, err := v.cli.ContainerCreate(runCtx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return 0, "", fmt.Errorf("create container: %w", err)
	}
	defer v.cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})

	if err := v.cli.ContainerStart(runCtx, resp.ID, container.StartOptions{}); err != nil {
		return 0, "", fmt.Errorf("start container: %w", err)
	}

	statusCh, errCh := v.cli.ContainerWait(runCtx, resp.ID, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case err := <-errCh:
		if err != nil {
			return 0, "", fmt.Errorf("wait for container: %w", err)
		}
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-runCtx.Done():
		return 0, "", fmt.Errorf("verification command timed out: %w", runCtx.Err())
	}

	logs, err := v.cli.ContainerLogs(context.Background(), resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return exitCode, "", nil
	}
	defer logs.Close()
	var stdout, stderr bytes.Buffer
	stdcopy.StdCopy(&stdout, &stderr, logs)
	return exitCode, strings.TrimSpace(stdout.String() + "\n" + stderr.String()), nil
}

func tail(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[len(s)-limit:]
}
