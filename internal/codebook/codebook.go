// Package codebook describes the antenna front end the beamforming engines
// drive: active sectors, receive patterns, sector sweeps and AWV iteration.
package codebook

import (
	"fmt"

	"github.com/banshee-data/beamlink/internal/dmg"
)

// NoAWV marks a radio using the plain sector pattern.
const NoAWV = -1

// Radio is a snapshot of the front-end state used for one transmission or
// reception.
type Radio struct {
	Config    dmg.AntennaConfiguration
	AWV       int
	QuasiOmni bool
}

// Slot is one step of a sector sweep plan.
type Slot struct {
	Config dmg.AntennaConfiguration
	// Switch is set on the last slot of an antenna block when another
	// block follows, so the gap after it is a long spacing.
	Switch bool
}

// Codebook is the antenna abstraction consumed by the engines.
type Codebook interface {
	TotalAntennas() int
	TotalTxSectors() int
	TotalRxSectors() int

	ActiveTxSector() dmg.SectorID
	ActiveTxAntenna() dmg.AntennaID
	SetActiveTxSector(sector dmg.SectorID, antenna dmg.AntennaID)

	SetReceiveQuasiOmni()
	SetReceiveDirectional(sector dmg.SectorID, antenna dmg.AntennaID)
	// ReceiveConfiguration returns the current receive state.
	ReceiveConfiguration() Radio

	// StartSectorSweeping builds a new sweep plan and returns its length.
	// TXSS plans cover every transmit sector once per repetition; RXSS
	// plans cover every receive sector once.
	StartSectorSweeping(peer dmg.Address, kind dmg.SweepKind, repetitions int) int
	RemainingSectorCount() int
	NextSector() (Slot, bool)

	AWVCount() int
	StartAWVSweep(units int)
	NextAWV() (int, bool)
	ActiveAWV() int
	SetActiveAWV(awv int)

	// TransmitRadio returns the current transmit state.
	TransmitRadio() Radio
}

// Uniform is an in-memory codebook with sectors spread evenly over the
// antennas and the same number of AWVs in every sector.
type Uniform struct {
	caps          dmg.Capabilities
	awvsPerSector int
	perTx         []int
	perRx         []int

	activeTx  dmg.AntennaConfiguration
	activeAWV int
	rx        Radio

	plan     []Slot
	planNext int
	sweepFor dmg.Address

	awvUnits int
	awvNext  int
}

// NewUniform returns a codebook for caps with awvsPerSector custom AWVs in
// each sector. The first sector of antenna 1 starts active.
func NewUniform(caps dmg.Capabilities, awvsPerSector int) (*Uniform, error) {
	if err := caps.Validate(); err != nil {
		return nil, fmt.Errorf("codebook: %w", err)
	}
	if awvsPerSector < 0 || awvsPerSector > 64 {
		return nil, fmt.Errorf("codebook: awvs per sector must be in 0..64, got %d", awvsPerSector)
	}
	u := &Uniform{
		caps:          caps,
		awvsPerSector: awvsPerSector,
		perTx:         dmg.SectorsPerAntenna(caps.TxSectors, caps.Antennas),
		perRx:         dmg.SectorsPerAntenna(caps.RxSectors, caps.Antennas),
		activeTx:      dmg.AntennaConfiguration{Antenna: 1, Sector: 1},
		activeAWV:     NoAWV,
	}
	u.SetReceiveQuasiOmni()
	return u, nil
}

// Capabilities returns the counts this codebook advertises.
func (u *Uniform) Capabilities() dmg.Capabilities { return u.caps }

func (u *Uniform) TotalAntennas() int  { return u.caps.Antennas }
func (u *Uniform) TotalTxSectors() int { return u.caps.TxSectors }
func (u *Uniform) TotalRxSectors() int { return u.caps.RxSectors }

func (u *Uniform) ActiveTxSector() dmg.SectorID   { return u.activeTx.Sector }
func (u *Uniform) ActiveTxAntenna() dmg.AntennaID { return u.activeTx.Antenna }

// SetActiveTxSector selects a transmit sector and drops any custom AWV.
func (u *Uniform) SetActiveTxSector(sector dmg.SectorID, antenna dmg.AntennaID) {
	u.activeTx = dmg.AntennaConfiguration{Antenna: antenna, Sector: sector}
	u.activeAWV = NoAWV
}

func (u *Uniform) SetReceiveQuasiOmni() {
	u.rx = Radio{Config: dmg.AntennaConfiguration{Antenna: u.rx.Config.Antenna}, AWV: NoAWV, QuasiOmni: true}
	if u.rx.Config.Antenna == 0 {
		u.rx.Config.Antenna = 1
	}
}

func (u *Uniform) SetReceiveDirectional(sector dmg.SectorID, antenna dmg.AntennaID) {
	u.rx = Radio{Config: dmg.AntennaConfiguration{Antenna: antenna, Sector: sector}, AWV: NoAWV}
}

func (u *Uniform) ReceiveConfiguration() Radio { return u.rx }

func (u *Uniform) TransmitRadio() Radio {
	return Radio{Config: u.activeTx, AWV: u.activeAWV}
}

func (u *Uniform) StartSectorSweeping(peer dmg.Address, kind dmg.SweepKind, repetitions int) int {
	u.sweepFor = peer
	u.plan = u.plan[:0]
	u.planNext = 0

	appendBlocks := func(per []int) {
		for a, n := range per {
			for s := 1; s <= n; s++ {
				u.plan = append(u.plan, Slot{Config: dmg.AntennaConfiguration{
					Antenna: dmg.AntennaID(a + 1),
					Sector:  dmg.SectorID(s),
				}})
			}
			if n > 0 && len(u.plan) > 0 {
				u.plan[len(u.plan)-1].Switch = true
			}
		}
	}

	switch kind {
	case dmg.TXSS:
		if repetitions < 1 {
			repetitions = 1
		}
		for r := 0; r < repetitions; r++ {
			appendBlocks(u.perTx)
		}
	case dmg.RXSS:
		appendBlocks(u.perRx)
	}
	if len(u.plan) > 0 {
		u.plan[len(u.plan)-1].Switch = false
	}
	return len(u.plan)
}

func (u *Uniform) RemainingSectorCount() int { return len(u.plan) - u.planNext }

func (u *Uniform) NextSector() (Slot, bool) {
	if u.planNext >= len(u.plan) {
		return Slot{}, false
	}
	s := u.plan[u.planNext]
	u.planNext++
	return s, true
}

func (u *Uniform) AWVCount() int { return u.awvsPerSector }

// StartAWVSweep prepares units steps of AWV iteration inside the active
// sector, cycling through the sector's AWVs.
func (u *Uniform) StartAWVSweep(units int) {
	u.awvUnits = units
	u.awvNext = 0
}

func (u *Uniform) NextAWV() (int, bool) {
	if u.awvNext >= u.awvUnits || u.awvsPerSector == 0 {
		return NoAWV, false
	}
	awv := u.awvNext % u.awvsPerSector
	u.awvNext++
	u.activeAWV = awv
	return awv, true
}

func (u *Uniform) ActiveAWV() int { return u.activeAWV }

func (u *Uniform) SetActiveAWV(awv int) { u.activeAWV = awv }
