package types

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
)

const (
	ChromecastAudio = iota
	Chromecast
	GoogleHome
	NestMini
	NestAudio
	NestHub
	CastGroup
	UnknownCastDevice
)

const DefaultCastPort uint16 = 8009

type DeviceType int

var deviceTypeNames = map[string]DeviceType{
	"chromecast_audio": ChromecastAudio,
	"chromecast":       Chromecast,
	"google_home":      GoogleHome,
	"nest_mini":        NestMini,
	"nest_audio":       NestAudio,
	"nest_hub":         NestHub,
	"cast_group":       CastGroup,
}

// Model names as cast devices advertise them in their md= TXT record.
var advertisedModelNames = map[string]DeviceType{
	"google_home_mini":  NestMini,
	"google_nest_mini":  NestMini,
	"google_nest_audio": NestAudio,
	"google_nest_hub":   NestHub,
	"google_cast_group": CastGroup,
}

// DeviceTypeFor maps a manifest or advertised model name onto a DeviceType. Names are matched
// case-insensitively and with spaces or dashes treated as underscores.
func DeviceTypeFor(model string) DeviceType {
	normalised := strings.NewReplacer(" ", "_", "-", "_").Replace(strings.ToLower(strings.TrimSpace(model)))
	if deviceType, present := deviceTypeNames[normalised]; present {
		return deviceType
	}
	if deviceType, present := advertisedModelNames[normalised]; present {
		return deviceType
	}
	return UnknownCastDevice
}

func (t DeviceType) String() string {
	for name, deviceType := range deviceTypeNames {
		if deviceType == t {
			return name
		}
	}
	return "unknown"
}

type DeviceConfig struct {
	Name  string
	Room  string
	Model DeviceType
	Ip    string // empty when the device should be found by mDNS
	Port  uint16
	Uuid  string
}

func (dev *DeviceConfig) IsGroup() bool {
	return dev.Model == CastGroup
}

// SpotifyDeviceId is the id a launched Spotify receiver registers with Spotify Connect: the hex md5
// of the device's friendly name.
func (dev *DeviceConfig) SpotifyDeviceId() string {
	sum := md5.Sum([]byte(dev.Name))
	return hex.EncodeToString(sum[:])
}

func (dev *DeviceConfig) FullName() string {
	return strings.TrimSpace(dev.Room + " " + dev.Name)
}
