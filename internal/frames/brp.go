package frames

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/banshee-data/beamlink/internal/dmg"
)

// MaxTrainingUnits is the largest number of TRN units one BRP frame carries.
const MaxTrainingUnits = 31

// brpFixedLen covers dialog token, BRP request, flags, training length,
// BS-FBCK and the measurement count.
const brpFixedLen = 1 + BRPRequestFieldLen + 1 + 1 + 1 + 1

const (
	brpFlagInitiator = 1 << iota
	brpFlagCapabilityRequest
	brpFlagTxTrainResponse
	brpFlagRxTrainResponse
	brpFlagFeedbackPresent
	brpFlagReceiveTraining
)

// BRP is the Beam Refinement Protocol frame body. TrainingLength TRN units
// follow the frame on the air; ReceiveTraining marks them as TRN-R (the
// receiver sweeps AWVs) rather than TRN-T (the transmitter sweeps AWVs).
type BRP struct {
	layers.BaseLayer
	DialogToken uint8
	Request     BRPRequestField

	IsInitiator       bool
	CapabilityRequest bool
	TxTrainResponse   bool
	RxTrainResponse   bool
	FeedbackPresent   bool
	ReceiveTraining   bool

	TrainingLength uint8

	// BS-FBCK: best AWV index of the transmit training and its antenna.
	BestAWV         uint8
	FeedbackAntenna dmg.AntennaID

	// Measurements are per-unit SNR reports, (dB+8)*4.
	Measurements []uint8
}

// SetMeasurements stores per-unit SNRs in dB as 8-bit reports.
func (b *BRP) SetMeasurements(snrs []float64) {
	b.Measurements = make([]uint8, len(snrs))
	for i, v := range snrs {
		b.Measurements[i] = EncodeSNR(v, 8)
	}
}

// MeasurementsDB returns the reports in dB.
func (b *BRP) MeasurementsDB() []float64 {
	out := make([]float64, len(b.Measurements))
	for i, r := range b.Measurements {
		out[i] = DecodeSNR(r)
	}
	return out
}

// Validate checks preconditions that must hold before serialization.
func (b *BRP) Validate() error {
	if b.FeedbackPresent {
		if len(b.Measurements) == 0 {
			return ErrEmptyMeasurements
		}
		if b.BestAWV > 63 {
			return rangeErr("bs_fbck", int(b.BestAWV), 63)
		}
		if err := checkAntenna("bs_fbck_antenna", b.FeedbackAntenna); err != nil {
			return err
		}
	}
	if len(b.Measurements) > 255 {
		return rangeErr("measurement_count", len(b.Measurements), 255)
	}
	if b.TrainingLength > MaxTrainingUnits {
		return rangeErr("training_length", int(b.TrainingLength), MaxTrainingUnits)
	}
	return nil
}

func (b *BRP) LayerType() gopacket.LayerType     { return LayerTypeBRP }
func (b *BRP) CanDecode() gopacket.LayerClass    { return LayerTypeBRP }
func (b *BRP) NextLayerType() gopacket.LayerType { return gopacket.LayerTypeZero }

func (b *BRP) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < brpFixedLen {
		df.SetTruncated()
		return fmt.Errorf("brp body: %w", ErrTruncated)
	}
	b.DialogToken = data[0]
	if err := b.Request.UnmarshalBinary(data[1:]); err != nil {
		return err
	}
	flags := data[5]
	b.IsInitiator = flags&brpFlagInitiator != 0
	b.CapabilityRequest = flags&brpFlagCapabilityRequest != 0
	b.TxTrainResponse = flags&brpFlagTxTrainResponse != 0
	b.RxTrainResponse = flags&brpFlagRxTrainResponse != 0
	b.FeedbackPresent = flags&brpFlagFeedbackPresent != 0
	b.ReceiveTraining = flags&brpFlagReceiveTraining != 0
	b.TrainingLength = data[6]
	b.BestAWV, b.FeedbackAntenna = 0, 0
	if b.FeedbackPresent {
		b.BestAWV = data[7] & 0x3f
		b.FeedbackAntenna = dmg.AntennaID(data[7]>>6) + 1
	}
	n := int(data[8])
	end := brpFixedLen + n
	if len(data) < end {
		df.SetTruncated()
		return fmt.Errorf("brp measurements: %w", ErrTruncated)
	}
	b.Measurements = append([]uint8(nil), data[brpFixedLen:end]...)
	b.BaseLayer = layers.BaseLayer{Contents: data[:end], Payload: data[end:]}
	return nil
}

func (b *BRP) SerializeTo(buf gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	if err := b.Validate(); err != nil {
		return err
	}
	out, err := buf.PrependBytes(brpFixedLen + len(b.Measurements))
	if err != nil {
		return err
	}
	out[0] = b.DialogToken
	if err := b.Request.encode(out[1:5]); err != nil {
		return err
	}
	var flags byte
	if b.IsInitiator {
		flags |= brpFlagInitiator
	}
	if b.CapabilityRequest {
		flags |= brpFlagCapabilityRequest
	}
	if b.TxTrainResponse {
		flags |= brpFlagTxTrainResponse
	}
	if b.RxTrainResponse {
		flags |= brpFlagRxTrainResponse
	}
	if b.FeedbackPresent {
		flags |= brpFlagFeedbackPresent
	}
	if b.ReceiveTraining {
		flags |= brpFlagReceiveTraining
	}
	out[5] = flags
	out[6] = b.TrainingLength
	out[7] = 0
	if b.FeedbackPresent {
		out[7] = b.BestAWV | byte(b.FeedbackAntenna-1)<<6
	}
	out[8] = byte(len(b.Measurements))
	copy(out[brpFixedLen:], b.Measurements)
	return nil
}

func decodeBRP(data []byte, p gopacket.PacketBuilder) error {
	b := &BRP{}
	if err := b.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(b)
	return nil
}
