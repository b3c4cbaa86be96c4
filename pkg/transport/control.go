package transport

// Control frames ride alongside the binary sync frames as small JSON text
// messages.
type ControlType string

const (
	ControlConnected    ControlType = "connected"
	ControlNoHistory    ControlType = "noHistory"
	ControlSyncComplete ControlType = "syncComplete"
	ControlPresence     ControlType = "presence"
	ControlError        ControlType = "error"
)

type ControlFrame struct {
	Type     ControlType `json:"type"`
	ClientID string      `json:"clientId,omitempty"`
	Status   string      `json:"status,omitempty"`
	Message  string      `json:"message,omitempty"`
}
