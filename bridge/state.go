package bridge

import (
	"strings"

	"github.com/ggoodman/devbridge-go/supervisor"
)

// TransportState summarizes bridge connectivity for observers.
type TransportState string

const (
	TransportBridgeDetecting TransportState = "bridge_detecting"
	TransportRuntimeStarting TransportState = "runtime_starting"
	TransportConnected       TransportState = "connected"
	TransportDegraded        TransportState = "degraded"
)

// CommandHost says who owns the runtime start command.
type CommandHost string

const (
	// CommandHostHost means no start command is configured; the host tool
	// runs the runtime itself.
	CommandHostHost CommandHost = "host"
	// CommandHostHelper means the bridge owns the start command.
	CommandHostHelper CommandHost = "helper"
	// CommandHostHybrid means the bridge owns the start command and a human
	// fallback command exists too.
	CommandHostHybrid CommandHost = "hybrid"
)

// Capabilities is computed once per bridge from its configuration.
type Capabilities struct {
	CommandHost               CommandHost `json:"commandHost" jsonschema:"enum=host,enum=helper,enum=hybrid"`
	HasRuntimeControl         bool        `json:"hasRuntimeControl"`
	CanStartRuntime           bool        `json:"canStartRuntime"`
	CanRestartRuntime         bool        `json:"canRestartRuntime"`
	CanStopRuntime            bool        `json:"canStopRuntime"`
	FallbackCommand           string      `json:"fallbackCommand"`
	WSSubprotocol             string      `json:"wsSubprotocol"`
	SupportedProtocolVersions []string    `json:"supportedProtocolVersions"`
}

// State is the externally visible bridge snapshot. It is derived from the
// runtime status on every read and never stored.
type State struct {
	ProtocolVersion string            `json:"protocolVersion"`
	TransportState  TransportState    `json:"transportState" jsonschema:"enum=bridge_detecting,enum=runtime_starting,enum=connected,enum=degraded"`
	Runtime         supervisor.Status `json:"runtime"`
	Capabilities    Capabilities      `json:"capabilities"`
	// Error mirrors Runtime.LastError when set.
	Error string `json:"error,omitempty"`
}

// HealthResponse is the body of GET {prefix}/health.
type HealthResponse struct {
	OK     bool `json:"ok"`
	Bridge bool `json:"bridge"`
	State
}

// ControlResponse is the body of a successful runtime control request.
type ControlResponse struct {
	Success bool              `json:"success"`
	Runtime supervisor.Status `json:"runtime"`
}

// TransportStateFor maps a runtime phase to its transport state.
func TransportStateFor(phase supervisor.Phase) TransportState {
	switch phase {
	case supervisor.PhaseRunning:
		return TransportConnected
	case supervisor.PhaseStarting:
		return TransportRuntimeStarting
	case supervisor.PhaseError:
		return TransportDegraded
	default:
		return TransportBridgeDetecting
	}
}

func newCapabilities(hasControl bool, fallbackCommand, subprotocol string) Capabilities {
	host := CommandHostHost
	if hasControl {
		host = CommandHostHelper
		if strings.TrimSpace(fallbackCommand) != "" {
			host = CommandHostHybrid
		}
	}
	return Capabilities{
		CommandHost:               host,
		HasRuntimeControl:         hasControl,
		CanStartRuntime:           hasControl,
		CanRestartRuntime:         hasControl,
		CanStopRuntime:            hasControl,
		FallbackCommand:           fallbackCommand,
		WSSubprotocol:             subprotocol,
		SupportedProtocolVersions: []string{ProtocolVersion},
	}
}

func stateFor(st supervisor.Status, caps Capabilities) State {
	return State{
		ProtocolVersion: ProtocolVersion,
		TransportState:  TransportStateFor(st.Phase),
		Runtime:         st,
		Capabilities:    caps,
		Error:           st.Err(),
	}
}

// runtimeWebSocketURL swaps the scheme of a runtime HTTP URL for ws or wss.
func runtimeWebSocketURL(runtimeURL string) string {
	switch {
	case strings.HasPrefix(runtimeURL, "https://"):
		return "wss://" + strings.TrimPrefix(runtimeURL, "https://")
	case strings.HasPrefix(runtimeURL, "http://"):
		return "ws://" + strings.TrimPrefix(runtimeURL, "http://")
	default:
		return "ws://" + runtimeURL
	}
}
