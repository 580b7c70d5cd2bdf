package lanradio

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"

	"alertrelay/radio"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_alertrelay._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// ProtocolVersion is advertised in the TXT record.
	ProtocolVersion = 1
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// broadcaster advertises the local relay service via mDNS.
type broadcaster struct {
	server *zeroconf.Server
}

func startBroadcaster(cfg Config, layout radio.Layout, name string, port int) (*broadcaster, error) {
	txt := []string{
		"device_id=" + cfg.SelfDeviceID,
		"service=" + strings.ToLower(layout.Service),
		"version=" + strconv.Itoa(ProtocolVersion),
	}
	server, err := cfg.registerFn(name, cfg.Service, cfg.Domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return &broadcaster{server: server}, nil
}

func (b *broadcaster) stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}

type endpoint struct {
	name      string
	addresses []string
	port      int
}

// parseEntry turns a browse result into a sighting. Entries for this device
// or for another relay service are skipped.
func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID, serviceUUID string) (radio.Sighting, endpoint, bool) {
	txt := txtToMap(entry.Text)

	deviceID := strings.TrimSpace(txt["device_id"])
	if deviceID == "" || deviceID == selfDeviceID {
		return radio.Sighting{}, endpoint{}, false
	}
	if advertised := txt["service"]; serviceUUID != "" && advertised != "" && !radio.SameUUID(advertised, serviceUUID) {
		return radio.Sighting{}, endpoint{}, false
	}
	if entry.Port <= 0 {
		return radio.Sighting{}, endpoint{}, false
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	if len(addresses) == 0 {
		return radio.Sighting{}, endpoint{}, false
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}

	return radio.Sighting{DeviceID: deviceID, Name: name},
		endpoint{name: name, addresses: addresses, port: entry.Port},
		true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
