// Package remoteexec runs deployment scripts on remote hosts over the
// system ssh binary.
package remoteexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/caravel-labs/caravel-go/internal/executor"
	"github.com/caravel-labs/caravel-go/internal/platform/env"
)

// ssh reserves exit code 255 for its own failures (connection refused,
// auth rejected, host key mismatch). Everything else is the remote
// script's exit code.
const sshSessionExitCode = 255

var envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type Config struct {
	SSHBin         string
	User           string
	IdentityFile   string
	Port           int
	ConnectTimeout time.Duration
}

func ConfigFromEnv() (Config, error) {
	port, err := env.Int("CARAVEL_SSH_PORT", 0)
	if err != nil {
		return Config{}, err
	}
	connectTimeout, err := env.Duration("CARAVEL_SSH_CONNECT_TIMEOUT", 10*time.Second)
	if err != nil {
		return Config{}, err
	}
	return Config{
		SSHBin:         env.String("CARAVEL_SSH_BIN", "ssh"),
		User:           env.String("CARAVEL_SSH_USER", ""),
		IdentityFile:   env.String("CARAVEL_SSH_IDENTITY_FILE", ""),
		Port:           port,
		ConnectTimeout: connectTimeout,
	}, nil
}

type SSHRunner struct {
	cfg Config

	mu    sync.Mutex
	hosts map[string]*sync.Mutex
}

func NewSSHRunner(cfg Config) (*SSHRunner, error) {
	cfg.SSHBin = strings.TrimSpace(cfg.SSHBin)
	if cfg.SSHBin == "" {
		cfg.SSHBin = "ssh"
	}
	if _, err := exec.LookPath(cfg.SSHBin); err != nil {
		return nil, fmt.Errorf("ssh binary not found: %w", err)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &SSHRunner{cfg: cfg, hosts: make(map[string]*sync.Mutex)}, nil
}

// hostLock serializes commands per host. Concurrent runs targeting the
// same machine must not interleave deployment scripts.
func (r *SSHRunner) hostLock(host string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.hosts[host]
	if !ok {
		lock = &sync.Mutex{}
		r.hosts[host] = lock
	}
	return lock
}

// RunCommand executes script on host via `sh -s` over ssh, with env
// exported ahead of the script body. A non-zero remote exit code is not
// an error here; it is reported in CommandResult for the caller to
// classify. An ssh session failure is.
func (r *SSHRunner) RunCommand(ctx context.Context, host, script string, env map[string]string) (executor.CommandResult, error) {
	args, stdin, err := r.command(host, script, env)
	if err != nil {
		return executor.CommandResult{}, err
	}

	lock := r.hostLock(strings.TrimSpace(host))
	lock.Lock()
	defer lock.Unlock()

	cmd := exec.CommandContext(ctx, r.cfg.SSHBin, args...)
	cmd.Stdin = strings.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	result := executor.CommandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if runErr == nil {
		return result, nil
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		code := exitErr.ExitCode()
		if code == sshSessionExitCode {
			return executor.CommandResult{}, fmt.Errorf("ssh session to %s failed: %s",
				host, strings.TrimSpace(stderr.String()))
		}
		result.ExitCode = code
		return result, nil
	}
	return executor.CommandResult{}, fmt.Errorf("run ssh: %w", runErr)
}

func (r *SSHRunner) command(host, script string, envVars map[string]string) ([]string, string, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return nil, "", errors.New("host is required")
	}
	if strings.TrimSpace(script) == "" {
		return nil, "", errors.New("script is required")
	}

	args := []string{
		"-o", "BatchMode=yes",
		"-o", fmt.Sprintf("ConnectTimeout=%d", int(r.cfg.ConnectTimeout.Seconds())),
	}
	if r.cfg.IdentityFile != "" {
		args = append(args, "-i", r.cfg.IdentityFile)
	}
	if r.cfg.Port > 0 {
		args = append(args, "-p", strconv.Itoa(r.cfg.Port))
	}
	target := host
	if r.cfg.User != "" {
		target = r.cfg.User + "@" + host
	}
	args = append(args, target, "sh", "-s")

	prelude, err := envPrelude(envVars)
	if err != nil {
		return nil, "", err
	}
	return args, prelude + script, nil
}

// envPrelude renders export statements for the script. Values are
// single-quoted so secret material never needs to appear on a command
// line or in the process table.
func envPrelude(envVars map[string]string) (string, error) {
	if len(envVars) == 0 {
		return "", nil
	}
	keys := make([]string, 0, len(envVars))
	for key := range envVars {
		if !envKeyPattern.MatchString(key) {
			return "", fmt.Errorf("invalid environment variable name %q", key)
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, key := range keys {
		b.WriteString(key)
		b.WriteString("=")
		b.WriteString(shellQuote(envVars[key]))
		b.WriteString("\nexport ")
		b.WriteString(key)
		b.WriteString("\n")
	}
	return b.String(), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
