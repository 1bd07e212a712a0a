package adb

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenCacheCleaner/internal/config"
	"github.com/KevinKickass/OpenCacheCleaner/internal/probe"
)

const dumpRetries = 3

var packagePattern = regexp.MustCompile(`^[A-Za-z0-9_]+(\.[A-Za-z0-9_]+)+$`)

type snapshot struct {
	nodes      []flatNode
	signal     probe.Signal
	hash       [sha256.Size]byte
	generation uint64
	takenAt    time.Time
}

// Device is a probe.Device backed by uiautomator dumps. The screen is
// sampled by a Poller; probe reads are served from the latest snapshot.
type Device struct {
	client   *Client
	dumpPath string
	logger   *zap.Logger

	mu   sync.RWMutex
	snap snapshot

	subsMu      sync.Mutex
	subscribers []chan probe.ChangeEvent

	refreshMu sync.Mutex
	poller    *Poller
}

func NewDevice(client *Client, cfg config.DeviceConfig, logger *zap.Logger) *Device {
	d := &Device{
		client:   client,
		dumpPath: cfg.DumpPath,
		logger:   logger.With(zap.String("serial", client.Serial())),
	}
	if d.dumpPath == "" {
		d.dumpPath = "/data/local/tmp/occ_view.xml"
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 400 * time.Millisecond
	}
	d.poller = NewPoller(d, interval, d.logger)
	return d
}

// Start begins sampling the screen.
func (d *Device) Start() error {
	return d.poller.Start()
}

func (d *Device) Stop() {
	d.poller.Stop()
}

// Refresh takes a new snapshot and notifies subscribers if the screen
// changed.
func (d *Device) Refresh(ctx context.Context) error {
	d.refreshMu.Lock()
	defer d.refreshMu.Unlock()

	raw, err := d.dump(ctx)
	if err != nil {
		return err
	}
	nodes, err := parseHierarchy(raw)
	if err != nil {
		return err
	}
	focus, err := d.client.Shell(ctx, "dumpsys window")
	if err != nil {
		return fmt.Errorf("failed to read focused window: %w", err)
	}
	signal := parseFocus(focus)

	h := sha256.New()
	h.Write([]byte(raw))
	h.Write([]byte(signal.String()))
	var sum [sha256.Size]byte
	copy(sum[:], h.Sum(nil))

	d.mu.Lock()
	if sum == d.snap.hash {
		d.snap.takenAt = time.Now()
		d.mu.Unlock()
		return nil
	}
	d.snap = snapshot{
		nodes:      nodes,
		signal:     signal,
		hash:       sum,
		generation: d.snap.generation + 1,
		takenAt:    time.Now(),
	}
	gen := d.snap.generation
	d.mu.Unlock()

	d.logger.Debug("Screen changed",
		zap.String("signal", signal.String()),
		zap.Int("nodes", len(nodes)),
		zap.Uint64("generation", gen))
	d.notify(probe.ChangeEvent{Generation: gen})
	return nil
}

func (d *Device) dump(ctx context.Context) (string, error) {
	cmd := fmt.Sprintf("uiautomator dump %s >/dev/null && cat %s", d.dumpPath, d.dumpPath)

	var lastErr error
	for i := 0; i < dumpRetries; i++ {
		if i > 0 {
			// a stuck uiautomator blocks every following dump
			d.client.Shell(ctx, "pkill uiautomator")
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
		}
		out, err := d.client.Shell(ctx, cmd)
		if err == nil && strings.Contains(out, "<hierarchy") {
			return out, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if err == nil {
			err = errors.New("empty dump")
		}
		lastErr = err
		d.logger.Debug("UI dump retry", zap.Int("attempt", i+1), zap.Error(err))
	}
	return "", fmt.Errorf("%w: failed to dump UI after %d attempts: %v", probe.ErrUnavailable, dumpRetries, lastErr)
}

func (d *Device) notify(ev probe.ChangeEvent) {
	d.subsMu.Lock()
	defer d.subsMu.Unlock()
	for _, ch := range d.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (d *Device) Generation() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snap.generation
}

func (d *Device) CurrentStageSignal() probe.Signal {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snap.signal
}

func (d *Device) FindClickable(candidates []string) (probe.Node, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return findClickable(d.snap.nodes, candidates, d.snap.generation)
}

func (d *Device) Click(ctx context.Context, node probe.Node) error {
	d.mu.RLock()
	current := d.snap.generation
	d.mu.RUnlock()
	if node.Generation != current {
		return fmt.Errorf("node %q from generation %d, screen is at %d: %w",
			node.Text, node.Generation, current, probe.ErrStaleNode)
	}

	x, y := node.Bounds.Center()
	if _, err := d.client.Shell(ctx, fmt.Sprintf("input tap %d %d", x, y)); err != nil {
		return err
	}
	d.logger.Debug("Tapped", zap.String("text", node.Text), zap.Int("x", x), zap.Int("y", y))
	return nil
}

// SubscribeChanges starts the poller if needed.
func (d *Device) SubscribeChanges(ctx context.Context) <-chan probe.ChangeEvent {
	ch := make(chan probe.ChangeEvent, 16)

	d.subsMu.Lock()
	d.subscribers = append(d.subscribers, ch)
	d.subsMu.Unlock()

	if err := d.poller.Start(); err != nil {
		d.logger.Error("Failed to start screen poller", zap.Error(err))
	}

	go func() {
		<-ctx.Done()
		d.subsMu.Lock()
		defer d.subsMu.Unlock()
		for i, sub := range d.subscribers {
			if sub == ch {
				d.subscribers = append(d.subscribers[:i], d.subscribers[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (d *Device) OpenAppInfo(ctx context.Context, pkg string) error {
	if !packagePattern.MatchString(pkg) {
		return fmt.Errorf("invalid package name %q", pkg)
	}
	out, err := d.client.Shell(ctx, "am start -a android.settings.APPLICATION_DETAILS_SETTINGS -d package:"+pkg)
	if err != nil {
		return err
	}
	if strings.Contains(out, "Error:") {
		return fmt.Errorf("app info for %s: %s", pkg, strings.TrimSpace(out))
	}
	return nil
}

func (d *Device) Back(ctx context.Context) error {
	_, err := d.client.Shell(ctx, "input keyevent 4")
	return err
}

// CloseApp force-stops pkg. The caller passes the package seen when the app
// info screen was confirmed; the current snapshot may already show the
// launcher after the return presses.
func (d *Device) CloseApp(ctx context.Context, pkg string) error {
	if !packagePattern.MatchString(pkg) {
		return fmt.Errorf("close app: invalid package name %q", pkg)
	}
	_, err := d.client.Shell(ctx, "am force-stop "+pkg)
	return err
}

// StopService stops screen sampling and any uiautomator left running. The
// next subscription starts sampling again.
func (d *Device) StopService(ctx context.Context) error {
	d.poller.Stop()
	_, err := d.client.Shell(ctx, "pkill uiautomator")
	if err != nil {
		// pkill exits 1 when nothing matched
		d.logger.Debug("pkill uiautomator", zap.Error(err))
	}
	return nil
}
