package driver

import (
	"context"

	"blelink/internal/light"
	"blelink/internal/transport"
)

// Tuya framing (unencrypted variant): [CMD, LEN, DATA…], no trailer.
const (
	tuyaWriteChar = "0000fe95-0000-1000-8000-00805f9b34fb"
	tuyaAltChar   = "0000fe40-0000-1000-8000-00805f9b34fb"

	tuyaCmdColor      = 0x01
	tuyaCmdMode       = 0x02
	tuyaCmdBrightness = 0x03
	tuyaCmdPower      = 0x04

	tuyaModeStatic = 0x01
	tuyaModeJump   = 0x02
	tuyaModeFade   = 0x03
	tuyaModeFlash  = 0x04
)

// Tuya registers the Tuya/Smart Life family. Last in detection priority.
var Tuya = Registration{
	Key:          "tuya",
	New:          newTuya,
	Matches:      tuyaMatches,
	ServiceUUIDs: []string{tuyaWriteChar, tuyaAltChar},
}

type tuya struct {
	char     string
	override bool
}

func newTuya(cfg light.DeviceConfig) Driver {
	d := &tuya{char: tuyaWriteChar}
	if cfg.Characteristic != "" {
		d.char = cfg.Characteristic
		d.override = true
	}
	return d
}

func tuyaFrame(cmd byte, data ...byte) []byte {
	frame := make([]byte, 0, len(data)+2)
	frame = append(frame, cmd, byte(len(data)))
	return append(frame, data...)
}

func (d *tuya) Connect(ctx context.Context, conn transport.Conn) error {
	return connectSetup(ctx, conn, d.override, &d.char, "fe95", []string{tuyaAltChar})
}

func (d *tuya) Disconnect() {}

func (d *tuya) EncodeColor(r, g, b, _ byte) []byte {
	return tuyaFrame(tuyaCmdColor, r, g, b)
}

func (d *tuya) EncodeBrightness(percent byte) []byte {
	if percent > 100 {
		percent = 100
	}
	scaled := byte(int(percent) * 255 / 100)
	return tuyaFrame(tuyaCmdBrightness, scaled)
}

func (d *tuya) EncodeMode(mode, speed byte) []byte {
	return tuyaFrame(tuyaCmdMode, mode, speed)
}

func (d *tuya) WriteCharacteristic() string { return d.char }

func (d *tuya) ProtocolName() string { return "Tuya" }

func (d *tuya) SupportedModes() map[string]byte {
	return map[string]byte{
		"manual":  tuyaModeStatic,
		"jump":    tuyaModeJump,
		"fade":    tuyaModeFade,
		"flash":   tuyaModeFlash,
		"cpu":     tuyaModeFade,
		"breath":  tuyaModeFade,
		"rainbow": tuyaModeJump,
	}
}

func tuyaMatches(name string, serviceUUIDs []string) bool {
	if nameContains(name, "TUYA", "TY-", "SMART LIFE", "SMARTLIFE") {
		return true
	}
	return serviceContains(serviceUUIDs, "fe95", "fe40")
}
