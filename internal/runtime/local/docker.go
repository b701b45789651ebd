// ABOUTME: Minimal docker client used by the local runtime, shelling out to the docker CLI
// ABOUTME: Only the run/stop/remove operations the driver needs

package local

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"
)

// RunOptions describes a detached container to start.
type RunOptions struct {
	Name    string
	Image   string
	Network string
	Env     map[string]string
	Ports   map[int]int // host:container
	Labels  map[string]string
}

// Docker is the container engine the local driver drives.
type Docker interface {
	Run(ctx context.Context, opts RunOptions) (containerID string, err error)
	Stop(ctx context.Context, name string, timeout time.Duration) error
	Remove(ctx context.Context, name string, force bool) error
}

// CLIClient implements Docker by shelling out to the docker CLI.
type CLIClient struct {
	dockerBin string
}

// NewCLIClient creates a CLI-based client. An empty bin resolves "docker"
// from PATH.
func NewCLIClient(bin string) *CLIClient {
	if bin == "" {
		bin = "docker"
		if p, err := exec.LookPath("docker"); err == nil {
			bin = p
		}
	}
	return &CLIClient{dockerBin: bin}
}

func (c *CLIClient) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.dockerBin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("docker %s: %s: %w", args[0], strings.TrimSpace(stderr.String()), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Run starts a detached container and returns its id.
func (c *CLIClient) Run(ctx context.Context, opts RunOptions) (string, error) {
	args := []string{"run", "-d", "--name", opts.Name}

	if opts.Network != "" {
		args = append(args, "--network", opts.Network)
	}
	// Sorted so the command line is stable.
	for _, k := range sortedKeys(opts.Env) {
		args = append(args, "-e", k+"="+opts.Env[k])
	}
	for _, k := range sortedKeys(opts.Labels) {
		args = append(args, "--label", k+"="+opts.Labels[k])
	}
	for hostPort, containerPort := range opts.Ports {
		args = append(args, "-p", fmt.Sprintf("%d:%d", hostPort, containerPort))
	}
	args = append(args, opts.Image)

	return c.run(ctx, args...)
}

// Stop stops a container, waiting up to timeout before it is killed.
func (c *CLIClient) Stop(ctx context.Context, name string, timeout time.Duration) error {
	args := []string{"stop"}
	if timeout > 0 {
		args = append(args, "-t", strconv.Itoa(int(timeout.Seconds())))
	}
	args = append(args, name)
	_, err := c.run(ctx, args...)
	return err
}

// Remove deletes a container.
func (c *CLIClient) Remove(ctx context.Context, name string, force bool) error {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, name)
	_, err := c.run(ctx, args...)
	return err
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ Docker = (*CLIClient)(nil)
