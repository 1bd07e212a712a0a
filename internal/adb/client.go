// Package adb talks to an Android device through the adb binary and
// exposes it as a probe.Device.
package adb

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/KevinKickass/OpenCacheCleaner/internal/config"
)

// Runner executes a host command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%w: %s", err, msg)
		}
		return out, err
	}
	return out, nil
}

type Client struct {
	adbPath string
	serial  string
	run     Runner
	limiter *rate.Limiter
	logger  *zap.Logger
}

type ClientOption func(*Client)

func WithRunner(r Runner) ClientOption {
	return func(c *Client) { c.run = r }
}

func NewClient(cfg config.DeviceConfig, logger *zap.Logger, opts ...ClientOption) *Client {
	limit := rate.Inf
	if cfg.CommandRate > 0 {
		limit = rate.Limit(cfg.CommandRate)
	}
	burst := cfg.CommandBurst
	if burst <= 0 {
		burst = 1
	}
	adbPath := cfg.ADBPath
	if adbPath == "" {
		adbPath = "adb"
	}

	c := &Client{
		adbPath: adbPath,
		serial:  cfg.Serial,
		run:     ExecRunner,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Serial() string { return c.serial }

// Shell runs command in the device shell. Commands are paced by the
// client's rate limiter.
func (c *Client) Shell(ctx context.Context, command string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	args := make([]string, 0, 4)
	if c.serial != "" {
		args = append(args, "-s", c.serial)
	}
	args = append(args, "shell", command)

	out, err := c.run(ctx, c.adbPath, args...)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return string(out), fmt.Errorf("adb shell %q failed: %w", command, err)
	}
	return strings.ReplaceAll(string(out), "\r\n", "\n"), nil
}
