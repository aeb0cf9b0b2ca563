// Package frames implements the DMG beamforming control frames and their
// bit-exact sub-fields. All multi-byte fields are little-endian with bit 0
// as the least significant bit of the first octet.
package frames

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/beamlink/internal/dmg"
)

var (
	// ErrFieldRange is returned when a value does not fit its wire field.
	ErrFieldRange = errors.New("value out of range for wire field")
	// ErrTruncated is returned when a buffer is shorter than the field.
	ErrTruncated = errors.New("truncated field")
	// ErrEmptyMeasurements is returned when feedback that requires channel
	// measurements carries none.
	ErrEmptyMeasurements = errors.New("channel measurement list is empty")
)

const (
	SSWFieldLen         = 3
	SSWFeedbackFieldLen = 3
	BRPRequestFieldLen  = 4
	BLMFieldLen         = 1

	MaxCDOWN      = 511
	MaxRXSSLength = 63
)

func rangeErr(field string, v, max int) error {
	return fmt.Errorf("%s=%d (max %d): %w", field, v, max, ErrFieldRange)
}

func put24(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}

func get24(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

func checkSector(field string, s dmg.SectorID) error {
	if s < 1 || s > dmg.MaxSectorID {
		return rangeErr(field, int(s), int(dmg.MaxSectorID))
	}
	return nil
}

func checkAntenna(field string, a dmg.AntennaID) error {
	if a < 1 || a > dmg.MaxAntennaID {
		return rangeErr(field, int(a), int(dmg.MaxAntennaID))
	}
	return nil
}

// EncodeSNR converts dB to the (dB+8)*4 report, clamped to a field of the
// given width in bits.
func EncodeSNR(db float64, bits uint) uint8 {
	max := float64(uint(1)<<bits - 1)
	v := math.Round((db + 8) * 4)
	if v < 0 {
		return 0
	}
	if v > max {
		return uint8(max)
	}
	return uint8(v)
}

// DecodeSNR converts a report back to dB.
func DecodeSNR(report uint8) float64 {
	return float64(report)/4 - 8
}

// SSWField is the 24-bit Sector Sweep field.
//
//	b0      direction (0 initiator, 1 responder)
//	b1-9    CDOWN
//	b10-15  sector id - 1
//	b16-17  antenna id - 1
//	b18-23  RXSS length
type SSWField struct {
	Direction  dmg.Role
	CDOWN      uint16
	Sector     dmg.SectorID
	Antenna    dmg.AntennaID
	RXSSLength uint8
}

func (f SSWField) MarshalBinary() ([]byte, error) {
	b := make([]byte, SSWFieldLen)
	if err := f.encode(b); err != nil {
		return nil, err
	}
	return b, nil
}

func (f SSWField) encode(b []byte) error {
	if f.CDOWN > MaxCDOWN {
		return rangeErr("cdown", int(f.CDOWN), MaxCDOWN)
	}
	if err := checkSector("sector_id", f.Sector); err != nil {
		return err
	}
	if err := checkAntenna("antenna_id", f.Antenna); err != nil {
		return err
	}
	if f.RXSSLength > MaxRXSSLength {
		return rangeErr("rxss_length", int(f.RXSSLength), MaxRXSSLength)
	}
	var v uint32
	if f.Direction == dmg.Responder {
		v |= 1
	}
	v |= uint32(f.CDOWN) << 1
	v |= uint32(f.Sector-1) << 10
	v |= uint32(f.Antenna-1) << 16
	v |= uint32(f.RXSSLength) << 18
	put24(b, v)
	return nil
}

func (f *SSWField) UnmarshalBinary(b []byte) error {
	if len(b) < SSWFieldLen {
		return fmt.Errorf("ssw field: %w", ErrTruncated)
	}
	v := get24(b)
	f.Direction = dmg.Role(v & 1)
	f.CDOWN = uint16(v>>1) & 0x1ff
	f.Sector = dmg.SectorID(v>>10&0x3f) + 1
	f.Antenna = dmg.AntennaID(v>>16&0x3) + 1
	f.RXSSLength = uint8(v>>18) & 0x3f
	return nil
}

// SSWFeedbackField is the 24-bit Sector Sweep Feedback field. It has two
// interpretations of the same bits, selected by ISS.
//
// Inside an ISS:
//
//	b0-8    total sectors
//	b9-10   number of receive antennas - 1
//	b11-15  SNR report
//	b16     poll required
//
// Otherwise:
//
//	b0-5    sector id - 1
//	b6-7    antenna id - 1
//	b8-15   SNR report
//	b16     poll required
//
// Bits 17-23 are reserved and zero.
type SSWFeedbackField struct {
	ISS bool

	// ISS layout
	TotalSectors uint16
	RxAntennas   uint8

	// Non-ISS layout
	Sector  dmg.SectorID
	Antenna dmg.AntennaID

	SNRReport    uint8
	PollRequired bool
}

// SNRBits returns the width of the SNR report in the active layout.
func (f SSWFeedbackField) SNRBits() uint {
	if f.ISS {
		return 5
	}
	return 8
}

// SetSNR stores db as a report clamped to the active layout's width.
func (f *SSWFeedbackField) SetSNR(db float64) {
	f.SNRReport = EncodeSNR(db, f.SNRBits())
}

// SNR returns the report in dB.
func (f SSWFeedbackField) SNR() float64 { return DecodeSNR(f.SNRReport) }

// Config returns the reported antenna configuration (non-ISS layout).
func (f SSWFeedbackField) Config() dmg.AntennaConfiguration {
	return dmg.AntennaConfiguration{Antenna: f.Antenna, Sector: f.Sector}
}

func (f SSWFeedbackField) MarshalBinary() ([]byte, error) {
	b := make([]byte, SSWFeedbackFieldLen)
	if err := f.encode(b); err != nil {
		return nil, err
	}
	return b, nil
}

func (f SSWFeedbackField) encode(b []byte) error {
	var v uint32
	if f.ISS {
		if f.TotalSectors > 511 {
			return rangeErr("total_sectors", int(f.TotalSectors), 511)
		}
		if f.RxAntennas < 1 || f.RxAntennas > uint8(dmg.MaxAntennaID) {
			return rangeErr("rx_antennas", int(f.RxAntennas), int(dmg.MaxAntennaID))
		}
		if f.SNRReport > 0x1f {
			return rangeErr("snr_report", int(f.SNRReport), 0x1f)
		}
		v |= uint32(f.TotalSectors)
		v |= uint32(f.RxAntennas-1) << 9
		v |= uint32(f.SNRReport) << 11
	} else {
		if err := checkSector("sector_id", f.Sector); err != nil {
			return err
		}
		if err := checkAntenna("antenna_id", f.Antenna); err != nil {
			return err
		}
		v |= uint32(f.Sector - 1)
		v |= uint32(f.Antenna-1) << 6
		v |= uint32(f.SNRReport) << 8
	}
	if f.PollRequired {
		v |= 1 << 16
	}
	put24(b, v)
	return nil
}

// UnmarshalBinary decodes b using the layout already selected in f.ISS.
func (f *SSWFeedbackField) UnmarshalBinary(b []byte) error {
	if len(b) < SSWFeedbackFieldLen {
		return fmt.Errorf("ssw feedback field: %w", ErrTruncated)
	}
	return f.decode(get24(b), f.ISS)
}

// Decode decodes b with the layout given by iss.
func (f *SSWFeedbackField) Decode(b []byte, iss bool) error {
	f.ISS = iss
	return f.UnmarshalBinary(b)
}

func (f *SSWFeedbackField) decode(v uint32, iss bool) error {
	*f = SSWFeedbackField{ISS: iss}
	if iss {
		f.TotalSectors = uint16(v & 0x1ff)
		f.RxAntennas = uint8(v>>9&0x3) + 1
		f.SNRReport = uint8(v>>11) & 0x1f
	} else {
		f.Sector = dmg.SectorID(v&0x3f) + 1
		f.Antenna = dmg.AntennaID(v>>6&0x3) + 1
		f.SNRReport = uint8(v >> 8)
	}
	f.PollRequired = v>>16&1 == 1
	return nil
}

// BRPRequestField is the 32-bit BRP Request field.
//
//	b0-4    L_RX
//	b5      TX_TRN_REQ
//	b6      MID_REQ
//	b7      BC_REQ
//	b8      MID_Grant
//	b9      BC_Grant
//	b10     Channel_FBCK_CAP
//	b11-16  TX sector id - 1
//	b17-24  OtherAID
//	b25-26  TX antenna id - 1
//	b27-31  reserved
type BRPRequestField struct {
	LRX            uint8
	TXTrainRequest bool
	MIDRequest     bool
	BCRequest      bool
	MIDGrant       bool
	BCGrant        bool
	ChannelFBCKCap bool
	TXSector       dmg.SectorID
	OtherAID       uint8
	TXAntenna      dmg.AntennaID
}

// Requested reports whether any training was asked for.
func (f BRPRequestField) Requested() bool {
	return f.LRX > 0 || f.TXTrainRequest
}

func (f BRPRequestField) MarshalBinary() ([]byte, error) {
	b := make([]byte, BRPRequestFieldLen)
	if err := f.encode(b); err != nil {
		return nil, err
	}
	return b, nil
}

func bit(v bool, pos uint) uint32 {
	if v {
		return 1 << pos
	}
	return 0
}

func (f BRPRequestField) encode(b []byte) error {
	if f.LRX > 31 {
		return rangeErr("l_rx", int(f.LRX), 31)
	}
	if err := checkSector("tx_sector_id", f.TXSector); err != nil {
		return err
	}
	if err := checkAntenna("tx_antenna_id", f.TXAntenna); err != nil {
		return err
	}
	v := uint32(f.LRX)
	v |= bit(f.TXTrainRequest, 5)
	v |= bit(f.MIDRequest, 6)
	v |= bit(f.BCRequest, 7)
	v |= bit(f.MIDGrant, 8)
	v |= bit(f.BCGrant, 9)
	v |= bit(f.ChannelFBCKCap, 10)
	v |= uint32(f.TXSector-1) << 11
	v |= uint32(f.OtherAID) << 17
	v |= uint32(f.TXAntenna-1) << 25
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	return nil
}

func (f *BRPRequestField) UnmarshalBinary(b []byte) error {
	if len(b) < BRPRequestFieldLen {
		return fmt.Errorf("brp request field: %w", ErrTruncated)
	}
	v := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	f.LRX = uint8(v & 0x1f)
	f.TXTrainRequest = v>>5&1 == 1
	f.MIDRequest = v>>6&1 == 1
	f.BCRequest = v>>7&1 == 1
	f.MIDGrant = v>>8&1 == 1
	f.BCGrant = v>>9&1 == 1
	f.ChannelFBCKCap = v>>10&1 == 1
	f.TXSector = dmg.SectorID(v>>11&0x3f) + 1
	f.OtherAID = uint8(v >> 17)
	f.TXAntenna = dmg.AntennaID(v>>25&0x3) + 1
	return nil
}

// BLM timeout units.
const (
	BLMUnit32us   = 32 * time.Microsecond
	BLMUnit2000us = 2000 * time.Microsecond
)

// BLMField is the 8-bit Beam Link Maintenance field.
//
//	b0      unit index (0 = 32us, 1 = 2000us)
//	b1-6    value
//	b7      is master
//
// A zero value means the link is not maintained.
type BLMField struct {
	Unit2000us bool
	Value      uint8
	IsMaster   bool
}

// Timeout returns value x unit.
func (f BLMField) Timeout() time.Duration {
	unit := BLMUnit32us
	if f.Unit2000us {
		unit = BLMUnit2000us
	}
	return time.Duration(f.Value) * unit
}

func (f BLMField) MarshalBinary() ([]byte, error) {
	b := make([]byte, BLMFieldLen)
	if err := f.encode(b); err != nil {
		return nil, err
	}
	return b, nil
}

func (f BLMField) encode(b []byte) error {
	if f.Value > 63 {
		return rangeErr("blm_value", int(f.Value), 63)
	}
	v := f.Value << 1
	if f.Unit2000us {
		v |= 1
	}
	if f.IsMaster {
		v |= 1 << 7
	}
	b[0] = v
	return nil
}

func (f *BLMField) UnmarshalBinary(b []byte) error {
	if len(b) < BLMFieldLen {
		return fmt.Errorf("blm field: %w", ErrTruncated)
	}
	f.Unit2000us = b[0]&1 == 1
	f.Value = b[0] >> 1 & 0x3f
	f.IsMaster = b[0]>>7 == 1
	return nil
}
