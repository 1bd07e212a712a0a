package adb

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenCacheCleaner/internal/types"
)

// Packages lists third-party applications with their disabled state and, when
// the device reports them, cache sizes from diskstats. Labels are derived from
// the package name; the settings UI shows the real label.
func (c *Client) Packages(ctx context.Context) ([]types.WorkItem, error) {
	disabled := make(map[string]bool)
	if out, err := c.Shell(ctx, "pm list packages -d"); err == nil {
		for _, name := range parsePackageList(out) {
			disabled[name] = true
		}
	} else {
		c.logger.Debug("Failed to list disabled packages", zap.Error(err))
	}

	out, err := c.Shell(ctx, "pm list packages -3")
	if err != nil {
		return nil, fmt.Errorf("failed to list user packages: %w", err)
	}
	names := parsePackageList(out)

	sizes := map[string]int64{}
	if stats, err := c.Shell(ctx, "dumpsys diskstats"); err == nil {
		sizes = parseDiskStats(stats)
	} else {
		c.logger.Warn("Failed to read diskstats, cache sizes unknown", zap.Error(err))
	}

	items := make([]types.WorkItem, 0, len(names))
	for _, name := range names {
		item := types.WorkItem{
			Package:  name,
			Label:    labelFromPackage(name),
			Disabled: disabled[name],
		}
		if size, ok := sizes[name]; ok {
			item.CacheBytes = types.Int64Ptr(size)
		}
		items = append(items, item)
	}
	return items, nil
}

// DeviceLocale returns the system locale as a BCP 47 tag.
func (c *Client) DeviceLocale(ctx context.Context) (string, error) {
	for _, prop := range []string{"persist.sys.locale", "ro.product.locale"} {
		out, err := c.Shell(ctx, "getprop "+prop)
		if err != nil {
			return "", err
		}
		if v := strings.TrimSpace(out); v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("device reports no locale")
}

func parsePackageList(out string) []string {
	var names []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "package:") {
			names = append(names, strings.TrimPrefix(line, "package:"))
		}
	}
	return names
}

// parseDiskStats pairs "Package Names" with "Cache Sizes". Both lines carry
// JSON arrays of equal length.
func parseDiskStats(out string) map[string]int64 {
	var namesJSON, cachesJSON string
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "Package Names":
			namesJSON = strings.TrimSpace(value)
		case "Cache Sizes":
			cachesJSON = strings.TrimSpace(value)
		}
	}

	sizes := make(map[string]int64)
	if !gjson.Valid(namesJSON) || !gjson.Valid(cachesJSON) {
		return sizes
	}
	names := gjson.Parse(namesJSON).Array()
	caches := gjson.Parse(cachesJSON).Array()
	if len(names) != len(caches) {
		return sizes
	}
	for i, n := range names {
		sizes[n.String()] = caches[i].Int()
	}
	return sizes
}

var labelSkip = map[string]bool{
	"com": true, "net": true, "org": true, "android": true,
	"google": true, "app": true,
}

func labelFromPackage(name string) string {
	parts := strings.Split(name, ".")
	var meaningful []string
	for _, p := range parts {
		if !labelSkip[strings.ToLower(p)] && len(p) > 2 {
			meaningful = append(meaningful, p)
		}
	}
	if len(meaningful) == 0 {
		meaningful = parts[len(parts)-1:]
	}
	for i, p := range meaningful {
		if p == "" {
			continue
		}
		meaningful[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(meaningful, " ")
}
