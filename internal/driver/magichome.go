package driver

import (
	"context"

	"blelink/internal/light"
	"blelink/internal/transport"
)

// MagicHome framing is variable length: [0x7E, LEN, CMD, DATA…, 0xEF]
// where LEN counts the CMD byte plus the data bytes.
const (
	magicWriteChar = "0000ffe5-0000-1000-8000-00805f9b34fb"
	magicAltChar   = "0000ffe9-0000-1000-8000-00805f9b34fb"

	magicHdr  = 0x7E
	magicTail = 0xEF

	magicCmdPower      = 0x01
	magicCmdBrightness = 0x03
	magicCmdMode       = 0x04
	magicCmdColor      = 0x05

	magicModeStatic = 0x01
	magicModeJump   = 0x02
	magicModeFade   = 0x03
	magicModeFlash  = 0x04
)

// MagicHome registers the MagicHome/AK001 family. Third in detection priority.
var MagicHome = Registration{
	Key:          "magichome",
	Aliases:      []string{"magic_home", "magic"},
	New:          newMagicHome,
	Matches:      magicMatches,
	ServiceUUIDs: []string{magicWriteChar, magicAltChar},
}

type magicHome struct {
	char     string
	override bool
}

func newMagicHome(cfg light.DeviceConfig) Driver {
	d := &magicHome{char: magicWriteChar}
	if cfg.Characteristic != "" {
		d.char = cfg.Characteristic
		d.override = true
	}
	return d
}

func magicFrame(cmd byte, data ...byte) []byte {
	frame := make([]byte, 0, len(data)+4)
	frame = append(frame, magicHdr, byte(len(data)+1), cmd)
	frame = append(frame, data...)
	return append(frame, magicTail)
}

func (d *magicHome) Connect(ctx context.Context, conn transport.Conn) error {
	return connectSetup(ctx, conn, d.override, &d.char, "ffe5", []string{magicAltChar})
}

func (d *magicHome) Disconnect() {}

func (d *magicHome) EncodeColor(r, g, b, _ byte) []byte {
	// Fourth data byte is the white channel, zero on RGB-only strips.
	return magicFrame(magicCmdColor, r, g, b, 0x00)
}

func (d *magicHome) EncodeBrightness(percent byte) []byte {
	if percent > 100 {
		percent = 100
	}
	scaled := byte(int(percent) * 255 / 100)
	return magicFrame(magicCmdBrightness, scaled, 0x00, 0x00, 0x00)
}

func (d *magicHome) EncodeMode(mode, speed byte) []byte {
	return magicFrame(magicCmdMode, mode, speed, 0x00, 0x00)
}

func (d *magicHome) WriteCharacteristic() string { return d.char }

func (d *magicHome) ProtocolName() string { return "MagicHome" }

func (d *magicHome) SupportedModes() map[string]byte {
	return map[string]byte{
		"manual":  magicModeStatic,
		"jump":    magicModeJump,
		"fade":    magicModeFade,
		"flash":   magicModeFlash,
		"cpu":     magicModeFade,
		"breath":  magicModeFade,
		"rainbow": magicModeJump,
	}
}

func magicMatches(name string, serviceUUIDs []string) bool {
	if nameContains(name, "MAGIC", "MAGICHOME", "MH-", "AK001") {
		return true
	}
	return serviceContains(serviceUUIDs, "ffe5", "ffe9")
}
