package interfaces

import (
	"context"

	"github.com/KevinKickass/OpenCacheCleaner/internal/config"
	"github.com/KevinKickass/OpenCacheCleaner/internal/machine"
	"github.com/KevinKickass/OpenCacheCleaner/internal/scenario"
	"github.com/KevinKickass/OpenCacheCleaner/internal/storage"
	"github.com/KevinKickass/OpenCacheCleaner/internal/streaming"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State           string `json:"state"`
	RunState        string `json:"run_state"`
	DeviceSerial    string `json:"device_serial,omitempty"`
	DeviceConnected bool   `json:"device_connected"`
	ScenarioCount   int    `json:"scenario_count"`
	LiveClients     int    `json:"live_clients"`
}

type LifecycleManager interface {
	Config() *config.Config
	Storage() storage.Store
	RunController() *machine.Controller
	Scenarios() *scenario.Registry
	EventStreamer() *streaming.EventStreamer
	GetCurrentStatus() SystemStatus
	Shutdown(ctx context.Context) error
}
