package cast

import (
	"context"
	"errors"
	"fmt"
	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
	"spotcast/types"
	"strings"
	"time"
)

const castService = "_googlecast._tcp"

// Discover browses mDNS for cast devices until timeout and returns one config per device.
func Discover(ctx context.Context, timeout time.Duration, logger *zap.Logger) ([]types.DeviceConfig, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("could not create mdns resolver: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan []types.DeviceConfig, 1)
	go func() {
		found <- collectDevices(ctx, entries, logger)
	}()
	if err := resolver.Browse(ctx, castService, "local.", entries); err != nil {
		return nil, fmt.Errorf("could not browse for %s: %w", castService, err)
	}
	<-ctx.Done()
	return <-found, nil
}

func collectDevices(ctx context.Context, entries <-chan *zeroconf.ServiceEntry, logger *zap.Logger) []types.DeviceConfig {
	seen := map[string]bool{}
	var devices []types.DeviceConfig
	for {
		var entry *zeroconf.ServiceEntry
		var open bool
		select {
		case <-ctx.Done():
			return devices
		case entry, open = <-entries:
			if !open {
				return devices
			}
		}
		device, ok := deviceFromEntry(entry)
		if !ok {
			logger.Debug("Ignoring cast service entry", zap.String("instance", entry.Instance))
			continue
		}
		key := device.Uuid
		if key == "" {
			key = device.Ip
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		logger.Debug("Discovered cast device", zap.String("name", device.Name), zap.String("ip", device.Ip))
		devices = append(devices, device)
	}
}

func deviceFromEntry(entry *zeroconf.ServiceEntry) (types.DeviceConfig, bool) {
	txt := parseTxt(entry.Text)
	name := txt["fn"]
	if name == "" {
		name = entry.Instance
	}
	if name == "" || len(entry.AddrIPv4) == 0 || entry.Port <= 0 || entry.Port > 0xffff {
		return types.DeviceConfig{}, false
	}
	return types.DeviceConfig{
		Name:  name,
		Model: types.DeviceTypeFor(txt["md"]),
		Ip:    entry.AddrIPv4[0].String(),
		Port:  uint16(entry.Port),
		Uuid:  txt["id"],
	}, true
}

func parseTxt(records []string) map[string]string {
	txt := make(map[string]string, len(records))
	for _, record := range records {
		key, value, present := strings.Cut(record, "=")
		if present {
			txt[strings.ToLower(key)] = value
		}
	}
	return txt
}

// Resolve fills in the address of a device configured without one by matching its name against
// what mDNS reports.
func Resolve(ctx context.Context, device *types.DeviceConfig, timeout time.Duration, logger *zap.Logger) error {
	if device.Ip != "" {
		return nil
	}
	discovered, err := Discover(ctx, timeout, logger)
	if err != nil {
		return err
	}
	return resolveFrom(device, discovered)
}

func resolveFrom(device *types.DeviceConfig, discovered []types.DeviceConfig) error {
	for _, candidate := range discovered {
		if (device.Uuid != "" && strings.EqualFold(candidate.Uuid, device.Uuid)) || candidate.Name == device.Name {
			device.Ip = candidate.Ip
			device.Port = candidate.Port
			if device.Uuid == "" {
				device.Uuid = candidate.Uuid
			}
			return nil
		}
	}
	return errors.New("could not find cast device '" + device.Name + "' on the local network")
}
