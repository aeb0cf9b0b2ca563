// Package dmg holds the value types shared by the beamforming engines:
// station addresses, antenna configurations, sweep kinds and roles.
package dmg

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrCapabilitiesUnknown is returned when training or a duration computation
// is attempted for a peer whose capabilities were never exchanged.
var ErrCapabilitiesUnknown = errors.New("peer capabilities unknown")

// Address is a station MAC address. It is comparable and used as a map key.
type Address [6]byte

// ParseAddress parses a colon separated MAC address such as 02:00:00:00:00:01.
func ParseAddress(s string) (Address, error) {
	var a Address
	parts := strings.Split(s, ":")
	if len(parts) != len(a) {
		return a, fmt.Errorf("invalid address %q: want 6 octets", s)
	}
	for i, p := range parts {
		if len(p) != 2 {
			return a, fmt.Errorf("invalid address %q: octet %d", s, i)
		}
		b, err := hex.DecodeString(p)
		if err != nil {
			return a, fmt.Errorf("invalid address %q: %w", s, err)
		}
		a[i] = b[0]
	}
	return a, nil
}

// MustParseAddress is ParseAddress for constants in tests and scenarios.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Address) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[0], a[1], a[2], a[3], a[4], a[5])
}

// SectorID identifies a sector of one antenna. Valid values are 1..64.
type SectorID uint8

// AntennaID identifies a DMG antenna. Valid values are 1..4.
type AntennaID uint8

const (
	MaxSectorID  SectorID  = 64
	MaxAntennaID AntennaID = 4
)

// AntennaConfiguration is an (antenna, sector) pair. Compared by equality only.
type AntennaConfiguration struct {
	Antenna AntennaID
	Sector  SectorID
}

// Valid reports whether both ids are inside their wire ranges.
func (c AntennaConfiguration) Valid() bool {
	return c.Antenna >= 1 && c.Antenna <= MaxAntennaID && c.Sector >= 1 && c.Sector <= MaxSectorID
}

func (c AntennaConfiguration) String() string {
	return fmt.Sprintf("antenna=%d sector=%d", c.Antenna, c.Sector)
}

// SweepKind selects which side sweeps during a sweep phase.
type SweepKind uint8

const (
	// TXSS sweeps the transmitter's sectors while the receiver listens quasi-omni.
	TXSS SweepKind = iota
	// RXSS holds the transmitter on one sector while the receiver sweeps its
	// receive sectors.
	RXSS
)

func (k SweepKind) String() string {
	switch k {
	case TXSS:
		return "TXSS"
	case RXSS:
		return "RXSS"
	}
	return fmt.Sprintf("SweepKind(%d)", uint8(k))
}

// Role is the part a station plays in a training session.
type Role uint8

const (
	Initiator Role = iota
	Responder
)

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// Capabilities are the antenna/sector counts a peer advertises during
// capability exchange. Sector totals are across all antennas and sectors
// are assumed to be spread evenly over the antennas.
type Capabilities struct {
	Antennas  int `json:"antennas"`
	TxSectors int `json:"tx_sectors"`
	RxSectors int `json:"rx_sectors"`
}

// Validate checks the counts against what the wire fields can carry.
func (c Capabilities) Validate() error {
	if c.Antennas < 1 || c.Antennas > int(MaxAntennaID) {
		return fmt.Errorf("antennas must be in 1..%d, got %d", MaxAntennaID, c.Antennas)
	}
	if c.TxSectors < c.Antennas || c.TxSectors > c.Antennas*int(MaxSectorID) {
		return fmt.Errorf("tx_sectors %d out of range for %d antennas", c.TxSectors, c.Antennas)
	}
	if c.RxSectors < 0 || c.RxSectors > 63 {
		return fmt.Errorf("rx_sectors must be in 0..63, got %d", c.RxSectors)
	}
	return nil
}

// SectorsPerAntenna spreads total sectors over antennas, giving the
// remainder to the lower-numbered antennas.
func SectorsPerAntenna(total, antennas int) []int {
	if antennas < 1 {
		return nil
	}
	out := make([]int, antennas)
	for i := range out {
		out[i] = total / antennas
		if i < total%antennas {
			out[i]++
		}
	}
	return out
}
