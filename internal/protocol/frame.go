package protocol

import (
	"encoding/binary"
	"fmt"
)

// Every frame starts with the same two-byte tag. Frames whose decrypted
// header does not match are dropped without touching device state.
const (
	headerByte0 = 0xD1
	headerByte1 = 0x55
)

// BatteryType is the type code written during the handshake. Codes come from
// the vendor app; 0x03, 0x04, 0x06 and 0x07 select a documented 7-write
// handshake variant whose extra frame has never been captured, so the codec
// always issues the 6-write sequence regardless of type.
type BatteryType uint8

const (
	TypeLeadAcid           BatteryType = 0x01
	TypeAGM                BatteryType = 0x02
	TypeOtherIntelligent   BatteryType = 0x03
	TypeOtherManual        BatteryType = 0x04
	TypeLithium            BatteryType = 0x05
	TypeLithiumIntelligent BatteryType = 0x06
	TypeLithiumManual      BatteryType = 0x07
)

// Valid reports whether the code is one the vendor app knows about.
func (t BatteryType) Valid() bool {
	return t >= TypeLeadAcid && t <= TypeLithiumManual
}

func (t BatteryType) String() string {
	switch t {
	case TypeLeadAcid:
		return "lead-acid"
	case TypeAGM:
		return "agm"
	case TypeOtherIntelligent:
		return "other-intelligent"
	case TypeOtherManual:
		return "other-manual"
	case TypeLithium:
		return "lithium"
	case TypeLithiumIntelligent:
		return "lithium-intelligent"
	case TypeLithiumManual:
		return "lithium-manual"
	default:
		return fmt.Sprintf("unknown(0x%02X)", uint8(t))
	}
}

// ChargeStatus is the raw status code from notification byte 5. The device
// discriminates 1 vs 2 around ~13.3 V; the code is stored as received and
// never re-derived from voltage.
type ChargeStatus uint8

const (
	StatusUnknown  ChargeStatus = 0x00
	StatusNormal   ChargeStatus = 0x01 // charge off, battery ok
	StatusCharging ChargeStatus = 0x02
)

// Text returns the human form used in logs and the status view.
func (s ChargeStatus) Text() string {
	switch s {
	case StatusNormal:
		return "Charge: off"
	case StatusCharging:
		return "Charge: on"
	default:
		return fmt.Sprintf("Charge: 0x%02X", uint8(s))
	}
}

// Export returns the short form used in MQTT payloads.
func (s ChargeStatus) Export() string {
	switch s {
	case StatusNormal:
		return "off"
	case StatusCharging:
		return "on"
	default:
		return fmt.Sprintf("0x%02X", uint8(s))
	}
}

// HandshakeFrames builds the plaintext command sequence that arms a device
// for the given battery type. Order matters: session init, type select, two
// fixed configuration frames, pre-finalization, finalization. Each frame must
// be encrypted independently before writing.
func HandshakeFrames(batteryType BatteryType) [][]byte {
	frames := [][]byte{
		{headerByte0, headerByte1, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
		{headerByte0, headerByte1, 0x08, byte(batteryType), 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
		{headerByte0, headerByte1, 0x05, 0x00, 0x00, 0x00, 0x00, 0x00, 0x1E, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
		{headerByte0, headerByte1, 0x05, 0x00, 0x00, 0x00, 0x00, 0xCA, 0x94, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
		{headerByte0, headerByte1, 0x03, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
		{headerByte0, headerByte1, 0x07, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
	}
	return frames
}

// Reading is one decoded telemetry notification.
type Reading struct {
	Voltage     float64 // volts, two decimal places on the wire
	SOC         int     // state of charge, 0-100 percent
	Temperature int     // degrees Celsius, signed
	Status      ChargeStatus
	RapidRise   uint16 // rapid voltage rise event counter
	RapidDrop   uint16 // rapid voltage drop event counter
}

// DecodeNotification parses a decrypted 16-byte telemetry frame.
//
// Layout (positional, from the vendor app):
//
//	0-1   header tag 0xD1 0x55
//	3     temperature sign (1 = negative)
//	4     temperature magnitude, °C
//	5     charge status code
//	6     state of charge, percent
//	7-8   voltage, big-endian centivolts
//	9-10  rapid voltage rise counter, big-endian
//	11-12 rapid voltage drop counter, big-endian
//	13-15 padding
func DecodeNotification(plaintext []byte) (Reading, error) {
	var r Reading
	if len(plaintext) != BlockSize {
		return r, fmt.Errorf("protocol: notification must be %d bytes, got %d", BlockSize, len(plaintext))
	}
	if plaintext[0] != headerByte0 || plaintext[1] != headerByte1 {
		return r, fmt.Errorf("protocol: bad frame header %02X %02X", plaintext[0], plaintext[1])
	}

	r.Temperature = int(plaintext[4])
	if plaintext[3] == 1 {
		r.Temperature = -r.Temperature
	}
	r.Status = ChargeStatus(plaintext[5])
	r.SOC = int(plaintext[6])
	r.Voltage = float64(binary.BigEndian.Uint16(plaintext[7:9])) / 100.0
	r.RapidRise = binary.BigEndian.Uint16(plaintext[9:11])
	r.RapidDrop = binary.BigEndian.Uint16(plaintext[11:13])
	return r, nil
}
