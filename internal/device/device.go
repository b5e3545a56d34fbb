// Package device is a minimal property-bag device stub used to exercise the
// DeviceCommunicator contract end to end in tests and cmd/echoserver,
// explicitly without any ASCOM/INDI business logic — the concrete device
// drivers that consume this contract are out of scope. Grounded on the
// shape of the teacher's internal/adapters/*/client.go pattern (a typed
// client wrapping a transport, here internal/communicator.Communicator)
// rather than on any one adapter's domain logic.
package device

import (
	"context"
	"sync"

	"github.com/astroproject/astrocomm-core/internal/comm"
	"github.com/astroproject/astrocomm-core/internal/communicator"
)

// Device wraps a Communicator with an identity and a property bag fed by
// inbound messages, standing in for a real ASCOM/INDI driver in tests.
type Device struct {
	ID   string
	Type string

	comm *communicator.Communicator

	mu         sync.RWMutex
	properties map[string]interface{}
}

// New builds a Device bound to comm, installing itself as the message
// callback so inbound payload fields are merged into the property bag.
func New(id, deviceType string, comm *communicator.Communicator) *Device {
	d := &Device{
		ID:         id,
		Type:       deviceType,
		comm:       comm,
		properties: make(map[string]interface{}),
	}
	comm.SetMessageCallback(d.handleMessage)
	return d
}

func (d *Device) handleMessage(msg *comm.CommunicationMessage) {
	if msg.Command == "error" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, v := range msg.Payload {
		d.properties[k] = v
	}
}

// Connect opens the underlying transport.
func (d *Device) Connect(ctx context.Context) bool { return d.comm.Connect(ctx) }

// Disconnect closes the underlying transport.
func (d *Device) Disconnect() { d.comm.Disconnect() }

// IsConnected reports transport connectivity.
func (d *Device) IsConnected() bool { return d.comm.IsConnected() }

// SendCommand builds and synchronously sends a CommunicationMessage
// addressed to this device.
func (d *Device) SendCommand(command string, payload map[string]interface{}) *comm.CommunicationResponse {
	msg := comm.NewCommunicationMessage(d.ID, command, payload, 0)
	return d.comm.SendMessageSync(msg)
}

// GetProperty reads a property last reported by an inbound message.
func (d *Device) GetProperty(key string) (interface{}, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.properties[key]
	return v, ok
}

// Properties returns a snapshot copy of the full property bag.
func (d *Device) Properties() map[string]interface{} {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]interface{}, len(d.properties))
	for k, v := range d.properties {
		out[k] = v
	}
	return out
}

// Statistics exposes the underlying Communicator's statistics.
func (d *Device) Statistics() communicator.CommunicationStats { return d.comm.Statistics() }
