package tcp

import (
	"github.com/grandcat/zeroconf"
)

// discoveryAdvertiser wraps a zeroconf mDNS/Bonjour registration so a
// TcpServer can be found on the LAN by instrument-control clients without a
// hardcoded address — a supplemental feature grounded on the teacher's
// adapters/shelly device-discovery usage of the same library, applied here
// to advertise our own server rather than to browse for others.
type discoveryAdvertiser struct {
	server *zeroconf.Server
}

func startDiscovery(cfg *ConnectionConfig) (*discoveryAdvertiser, error) {
	instance := cfg.DiscoveryInstance
	if instance == "" {
		instance = "astrocomm-core"
	}
	service := cfg.DiscoveryService
	if service == "" {
		service = "_astrocomm._tcp"
	}

	srv, err := zeroconf.Register(instance, service, "local.", cfg.ServerPort, nil, nil)
	if err != nil {
		return nil, err
	}
	return &discoveryAdvertiser{server: srv}, nil
}

func (d *discoveryAdvertiser) shutdown() {
	if d == nil || d.server == nil {
		return
	}
	d.server.Shutdown()
}
