// Package pulse connects the call pipeline to PulseAudio (or PipeWire's pulse
// server): a [Microphone] record stream feeding the capture encoder and a
// [Speaker] playback stream pulling from the playback timeline.
package pulse

import (
	"context"
	"fmt"
	"strings"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
)

const applicationName = "livecall"

// Device describes one Pulse input source.
type Device struct {
	ID          string
	Description string
	State       string
	Available   bool
	Muted       bool
	Default     bool
}

func newClient() (*pulse.Client, error) {
	client, err := pulse.NewClient(
		pulse.ClientApplicationName(applicationName),
		pulse.ClientApplicationIconName("call-start"),
	)
	if err != nil {
		return nil, fmt.Errorf("pulse: connect server: %w", err)
	}
	return client, nil
}

// ListSources returns the available capture sources with default and
// availability metadata.
func ListSources(_ context.Context) ([]Device, error) {
	client, err := newClient()
	if err != nil {
		return nil, err
	}
	defer client.Close()

	defaultSource, err := client.DefaultSource()
	if err != nil {
		return nil, fmt.Errorf("pulse: read default source: %w", err)
	}
	defaultID := defaultSource.ID()

	var sourceInfos pulseproto.GetSourceInfoListReply
	if err := client.RawRequest(&pulseproto.GetSourceInfoList{}, &sourceInfos); err != nil {
		return nil, fmt.Errorf("pulse: list sources: %w", err)
	}

	devices := make([]Device, 0, len(sourceInfos))
	for _, source := range sourceInfos {
		if source == nil {
			continue
		}
		devices = append(devices, Device{
			ID:          source.SourceName,
			Description: source.Device,
			State:       sourceStateString(source.State),
			Available:   sourceAvailable(source),
			Muted:       source.Mute,
			Default:     source.SourceName == defaultID,
		})
	}
	return devices, nil
}

// FindDevice returns the first device whose ID or description contains term,
// case-insensitively. An empty term or "default" selects the default device.
func FindDevice(devices []Device, term string) (Device, bool) {
	term = strings.TrimSpace(strings.ToLower(term))
	for _, d := range devices {
		if term == "" || term == "default" {
			if d.Default {
				return d, true
			}
			continue
		}
		if deviceMatches(d, term) {
			return d, true
		}
	}
	return Device{}, false
}

func deviceMatches(device Device, term string) bool {
	if term == "" {
		return false
	}
	id := strings.ToLower(device.ID)
	desc := strings.ToLower(device.Description)
	return strings.Contains(id, term) || strings.Contains(desc, term)
}

// sourceStateString maps Pulse source state constants to readable values.
func sourceStateString(state uint32) string {
	switch state {
	case 0:
		return "running"
	case 1:
		return "idle"
	case 2:
		return "suspended"
	default:
		return fmt.Sprintf("unknown(%d)", state)
	}
}

// sourceAvailable reports whether the active port of source is usable.
func sourceAvailable(source *pulseproto.GetSourceInfoReply) bool {
	if source == nil {
		return false
	}
	if len(source.Ports) == 0 {
		return true
	}
	for _, port := range source.Ports {
		if port.Name != source.ActivePortName {
			continue
		}
		// unknown=0, no=1, yes=2
		return port.Available == 0 || port.Available == 2
	}
	return true
}
