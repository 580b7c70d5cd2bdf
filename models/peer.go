package models

// Peer is a device observed during one scan session. It is never persisted.
type Peer struct {
	DeviceID       string `json:"device_id"`
	DisplayName    string `json:"display_name,omitempty"`
	SignalStrength *int16 `json:"signal_strength,omitempty"`
}
