package driver

import (
	"context"

	"blelink/internal/light"
	"blelink/internal/transport"
)

// ELK-BLEDOM framing. Every frame is nine bytes:
// [0x7E, 0x07, 0x05, CMD, P1, P2, P3, SPEED, 0xEF].
const (
	elkWriteChar = "0000fff3-0000-1000-8000-00805f9b34fb"
	elkService   = "0000fff0-0000-1000-8000-00805f9b34fb"

	elkHdr0 = 0x7E
	elkHdr1 = 0x07
	elkHdr2 = 0x05
	elkTail = 0xEF

	elkCmdBrightness = 0x01
	elkCmdColor      = 0x03
	elkCmdMode       = 0x04

	elkModeManual  = 0x01
	elkModeCPU     = 0x02
	elkModeBreath  = 0x03
	elkModeRainbow = 0x04
)

// ElkBledom registers the ELK-BLEDOM family (ELK-BLE, BLEDOM, ELK-BULB
// controllers). First in detection priority.
var ElkBledom = Registration{
	Key:          "elkbledom",
	Aliases:      []string{"elk_bledom", "elk", "bledom"},
	New:          newElkBledom,
	Matches:      elkMatches,
	ServiceUUIDs: []string{elkService, elkWriteChar},
}

type elkBledom struct {
	char     string
	override bool
}

func newElkBledom(cfg light.DeviceConfig) Driver {
	d := &elkBledom{char: elkWriteChar}
	if cfg.Characteristic != "" {
		d.char = cfg.Characteristic
		d.override = true
	}
	return d
}

func elkFrame(cmd, p1, p2, p3, speed byte) []byte {
	return []byte{elkHdr0, elkHdr1, elkHdr2, cmd, p1, p2, p3, speed, elkTail}
}

func (d *elkBledom) Connect(ctx context.Context, conn transport.Conn) error {
	return connectSetup(ctx, conn, d.override, &d.char, "fff3", nil)
}

func (d *elkBledom) Disconnect() {}

func (d *elkBledom) EncodeColor(r, g, b, speed byte) []byte {
	return elkFrame(elkCmdColor, r, g, b, speed)
}

func (d *elkBledom) EncodeBrightness(percent byte) []byte {
	if percent > 100 {
		percent = 100
	}
	return elkFrame(elkCmdBrightness, percent, 0x00, 0x00, 0x00)
}

func (d *elkBledom) EncodeMode(mode, speed byte) []byte {
	return elkFrame(elkCmdMode, mode, 0x00, 0x00, speed)
}

func (d *elkBledom) WriteCharacteristic() string { return d.char }

func (d *elkBledom) ProtocolName() string { return "ELK-BLEDOM" }

func (d *elkBledom) SupportedModes() map[string]byte {
	return map[string]byte{
		"manual":  elkModeManual,
		"cpu":     elkModeCPU,
		"breath":  elkModeBreath,
		"rainbow": elkModeRainbow,
	}
}

func elkMatches(name string, serviceUUIDs []string) bool {
	if nameContains(name, "ELK", "BLEDOM") {
		return true
	}
	return serviceContains(serviceUUIDs, "fff0", "fff3")
}
