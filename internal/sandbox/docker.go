package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const containerDir = "/workspace"

// DockerRuntime runs the entry point in a throwaway container through the
// docker CLI. The execution directory is bind-mounted at /workspace.
type DockerRuntime struct {
	Image   string
	Network string // defaults to "none"
	Binary  string // defaults to "docker"

	// Host starts the docker CLI itself; it must kill its process tree when ctx is done.
	Host   Runtime
	logger *zap.Logger
	// kill stops a named container; replaced in tests.
	kill func(name string) error
}

// NewDockerRuntime creates a DockerRuntime for image.
func NewDockerRuntime(image string, logger *zap.Logger) *DockerRuntime {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &DockerRuntime{
		Image:   image,
		Network: "none",
		Binary:  "docker",
		Host:    NewLocalRuntime(logger),
		logger:  logger,
	}
	d.kill = d.killContainer
	return d
}

func (d *DockerRuntime) Name() string { return "docker" }

func (d *DockerRuntime) Run(ctx context.Context, spec Spec) (Outcome, error) {
	name := "rdloop-" + uuid.NewString()
	args := d.buildArgs(name, spec)

	hostEnv := os.Environ()
	out, err := d.Host.Run(ctx, Spec{
		Dir:    spec.Dir,
		Argv:   append([]string{d.Binary}, args...),
		Env:    hostEnv,
		Stdout: spec.Stdout,
		Stderr: spec.Stderr,
	})
	if out.Killed {
		if kerr := d.kill(name); kerr != nil {
			d.logger.Warn("docker kill", zap.String("container", name), zap.Error(kerr))
		}
	}
	if err != nil {
		return out, err
	}
	// docker reports a SIGKILLed container as exit status 137.
	if !out.Killed && out.ExitCode == 137 {
		out.Signal = "SIGKILL"
	}
	return out, nil
}

// buildArgs constructs the docker run arguments for one execution.
func (d *DockerRuntime) buildArgs(name string, spec Spec) []string {
	network := d.Network
	if network == "" {
		network = "none"
	}
	args := []string{
		"run", "--rm",
		"--name", name,
		"--network", network,
		"-v", fmt.Sprintf("%s:%s:rw", spec.Dir, containerDir),
		"-w", containerDir,
	}
	if spec.Limits.MemoryBytes > 0 {
		args = append(args, "--memory", fmt.Sprintf("%d", spec.Limits.MemoryBytes))
	}
	if spec.Limits.CPUTime > 0 {
		secs := int64(spec.Limits.CPUTime.Seconds())
		if secs == 0 {
			secs = 1
		}
		args = append(args, "--ulimit", fmt.Sprintf("cpu=%d:%d", secs, secs+1))
	}
	for _, kv := range spec.Env {
		k, v, _ := strings.Cut(kv, "=")
		switch k {
		case "PATH":
			continue
		case "HOME", "TMPDIR":
			v = strings.Replace(v, spec.Dir, containerDir, 1)
		}
		args = append(args, "-e", k+"="+v)
	}
	args = append(args, d.Image)
	return append(args, spec.Argv...)
}

func (d *DockerRuntime) killContainer(name string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, d.Binary, "kill", name).CombinedOutput()
	if err != nil && !strings.Contains(string(out), "No such container") {
		return fmt.Errorf("docker kill %s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}
