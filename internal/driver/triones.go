package driver

import (
	"context"

	"blelink/internal/light"
	"blelink/internal/transport"
)

// Triones framing: [0x56, 0xAA, CMD, P1, P2, P3, 0xAA, 0xAA]. Several
// hardware revisions ship either ffd9 or ffd5 as the write endpoint.
const (
	trionesWriteChar = "0000ffd9-0000-1000-8000-00805f9b34fb"
	trionesAltChar   = "0000ffd5-0000-1000-8000-00805f9b34fb"

	trionesHdr0 = 0x56
	trionesHdr1 = 0xAA
	trionesPad  = 0xAA

	trionesCmdColor      = 0x01
	trionesCmdPower      = 0x02
	trionesCmdMode       = 0x04
	trionesCmdBrightness = 0x05

	trionesModeStatic = 0x01
	trionesModeJump   = 0x02
	trionesModeFade   = 0x03
	trionesModeFlash  = 0x04
)

// Triones registers the Triones/LEDnet family. Second in detection priority.
var Triones = Registration{
	Key:     "triones",
	New:     newTriones,
	Matches: trionesMatches,
	ServiceUUIDs: []string{trionesWriteChar, trionesAltChar,
		"0000ffd0-0000-1000-8000-00805f9b34fb"},
}

type triones struct {
	char     string
	override bool
}

func newTriones(cfg light.DeviceConfig) Driver {
	d := &triones{char: trionesWriteChar}
	if cfg.Characteristic != "" {
		d.char = cfg.Characteristic
		d.override = true
	}
	return d
}

func trionesFrame(cmd, p1, p2, p3 byte) []byte {
	return []byte{trionesHdr0, trionesHdr1, cmd, p1, p2, p3, trionesPad, trionesPad}
}

func (d *triones) Connect(ctx context.Context, conn transport.Conn) error {
	return connectSetup(ctx, conn, d.override, &d.char, "ffd9", []string{trionesAltChar})
}

func (d *triones) Disconnect() {}

func (d *triones) EncodeColor(r, g, b, _ byte) []byte {
	return trionesFrame(trionesCmdColor, r, g, b)
}

func (d *triones) EncodeBrightness(percent byte) []byte {
	if percent > 100 {
		percent = 100
	}
	scaled := byte(int(percent) * 255 / 100)
	return trionesFrame(trionesCmdBrightness, scaled, 0x00, 0x00)
}

func (d *triones) EncodeMode(mode, speed byte) []byte {
	return trionesFrame(trionesCmdMode, mode, speed, 0x00)
}

func (d *triones) WriteCharacteristic() string { return d.char }

func (d *triones) ProtocolName() string { return "Triones" }

func (d *triones) SupportedModes() map[string]byte {
	return map[string]byte{
		"manual": trionesModeStatic,
		"jump":   trionesModeJump,
		"fade":   trionesModeFade,
		"flash":  trionesModeFlash,
		// Nearest hardware effects for the host-side animation modes.
		"cpu":     trionesModeFade,
		"breath":  trionesModeFade,
		"rainbow": trionesModeJump,
	}
}

func trionesMatches(name string, serviceUUIDs []string) bool {
	if nameContains(name, "TRIONES", "TRION", "LEDNET") {
		return true
	}
	return serviceContains(serviceUUIDs, "ffd9", "ffd5", "ffd0")
}
