package interfaces

import (
	"github.com/KevinKickass/OpenWCS/internal/dispatch"
	"github.com/KevinKickass/OpenWCS/internal/temperature"
)

type PollerStatus struct {
	Running   bool   `json:"running"`
	State     string `json:"state"`
	Cycles    uint64 `json:"cycles"`
	LastError string `json:"last_error,omitempty"`
}

type DispatcherStatus struct {
	Running bool `json:"running"`
	dispatch.Stats
}

type TemperatureStatus struct {
	Running bool `json:"running"`
	temperature.Stats
}

// SystemStatus represents the current system state
type SystemStatus struct {
	State            string            `json:"state"`
	StartedAt        int64             `json:"started_at,omitempty"`
	TagCount         int               `json:"tag_count"`
	ModbusConnected  bool              `json:"modbus_connected"`
	Poller           PollerStatus      `json:"poller"`
	Dispatcher       DispatcherStatus  `json:"dispatcher"`
	Temperature      TemperatureStatus `json:"temperature"`
	WebSocketClients int               `json:"websocket_clients"`
}

// StatusProvider is implemented by the lifecycle manager and read by the
// HTTP layer, which cannot import it directly.
type StatusProvider interface {
	GetCurrentStatus() SystemStatus
}
