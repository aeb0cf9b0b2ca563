package frames

import (
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/beamlink/internal/dmg"
)

var (
	staA = dmg.MustParseAddress("02:00:00:00:00:0a")
	staB = dmg.MustParseAddress("02:00:00:00:00:0b")
)

func TestDurationMicros(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   time.Duration
		want uint16
	}{
		{0, 0},
		{-time.Microsecond, 0},
		{time.Microsecond, 1},
		{1001 * time.Nanosecond, 2},
		{14910 * time.Nanosecond, 15},
		{MaxDuration, 65535},
	}
	for _, c := range cases {
		got, err := DurationMicros(c.in)
		require.NoError(t, err)
		assert.Equal(t, c.want, got, "%v", c.in)
	}
	_, err := DurationMicros(MaxDuration + time.Nanosecond)
	assert.ErrorIs(t, err, ErrFieldRange)
}

func TestSSWFrame_SerializeAndParse(t *testing.T) {
	t.Parallel()
	h := &Header{Duration: 1234, RA: staB, TA: staA}
	body := &SSW{
		SSW:      SSWField{Direction: dmg.Initiator, CDOWN: 63, Sector: 16, Antenna: 4},
		Feedback: SSWFeedbackField{ISS: true, TotalSectors: 64, RxAntennas: 4},
	}
	data, err := Serialize(h, body)
	require.NoError(t, err)
	assert.Len(t, data, HeaderLen+sswBodyLen)
	assert.Equal(t, byte(TypeSSW), data[0])

	f, err := NewParser().Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TypeSSW, f.Type())
	assert.Equal(t, staA, f.From())
	assert.Equal(t, staB, f.Header.RA)
	assert.Equal(t, 1234*time.Microsecond, f.Header.DurationValue())
	require.NotNil(t, f.SSW)
	assert.Equal(t, body.SSW, f.SSW.SSW)
	assert.Equal(t, body.Feedback, f.SSW.Feedback)
	assert.Nil(t, f.Feedback)
}

func TestSSWFrame_ResponderUsesNonISSLayout(t *testing.T) {
	t.Parallel()
	body := &SSW{
		SSW:      SSWField{Direction: dmg.Responder, CDOWN: 0, Sector: 3, Antenna: 1},
		Feedback: SSWFeedbackField{Sector: 12, Antenna: 2, SNRReport: 200},
	}
	data, err := Serialize(&Header{RA: staA, TA: staB}, body)
	require.NoError(t, err)

	pkt := gopacket.NewPacket(data, LayerTypeDMGHeader, gopacket.Default)
	require.Nil(t, pkt.ErrorLayer())
	layer := pkt.Layer(LayerTypeSSW)
	require.NotNil(t, layer)
	got := layer.(*SSW)
	assert.False(t, got.Feedback.ISS)
	assert.Equal(t, dmg.AntennaConfiguration{Antenna: 2, Sector: 12}, got.Feedback.Config())

	// Mismatched layout is rejected.
	body.Feedback.ISS = true
	body.Feedback.RxAntennas = 1
	_, err = Serialize(&Header{}, body)
	assert.Error(t, err)
}

func TestFeedbackAndAckFrames(t *testing.T) {
	t.Parallel()
	fb := Feedback{
		Feedback:   SSWFeedbackField{Sector: 5, Antenna: 1, SNRReport: 100},
		BRPRequest: BRPRequestField{LRX: 4, TXTrainRequest: true, TXSector: 9, TXAntenna: 2},
		BLM:        BLMField{Value: 20, IsMaster: true},
	}
	p := NewParser()

	data, err := Serialize(&Header{RA: staB, TA: staA}, &SSWFeedback{Feedback: fb})
	require.NoError(t, err)
	f, err := p.Decode(data)
	require.NoError(t, err)
	require.NotNil(t, f.Feedback)
	assert.Equal(t, TypeSSWFeedback, f.Type())
	assert.Equal(t, fb, f.Feedback.Feedback)

	fb.BLM.IsMaster = false
	data, err = Serialize(&Header{RA: staA, TA: staB}, &SSWAck{Feedback: fb})
	require.NoError(t, err)
	f2, err := p.Decode(data)
	require.NoError(t, err)
	require.NotNil(t, f2.Ack)
	assert.Equal(t, fb, f2.Ack.Feedback)

	// The first decoded frame is not overwritten by the second.
	assert.True(t, f.Feedback.BLM.IsMaster)
}

func TestBRPFrame(t *testing.T) {
	t.Parallel()
	in := &BRP{
		DialogToken:     7,
		Request:         BRPRequestField{TXSector: 2, TXAntenna: 1},
		TxTrainResponse: true,
		FeedbackPresent: true,
		BestAWV:         3,
		FeedbackAntenna: 2,
	}
	in.SetMeasurements([]float64{1, 2.5, 10, 4})

	data, err := Serialize(&Header{RA: staA, TA: staB}, in)
	require.NoError(t, err)
	f, err := NewParser().Decode(data)
	require.NoError(t, err)
	require.NotNil(t, f.BRP)
	assert.Equal(t, uint8(7), f.BRP.DialogToken)
	assert.True(t, f.BRP.TxTrainResponse)
	assert.False(t, f.BRP.IsInitiator)
	assert.Equal(t, uint8(3), f.BRP.BestAWV)
	assert.Equal(t, dmg.AntennaID(2), f.BRP.FeedbackAntenna)
	assert.Equal(t, []float64{1, 2.5, 10, 4}, f.BRP.MeasurementsDB())
}

func TestBRPFrame_Setup(t *testing.T) {
	t.Parallel()
	in := &BRP{IsInitiator: true, CapabilityRequest: true, Request: BRPRequestField{TXSector: 1, TXAntenna: 1}}
	data, err := Serialize(&Header{}, in)
	require.NoError(t, err)
	f, err := NewParser().Decode(data)
	require.NoError(t, err)
	assert.True(t, f.BRP.IsInitiator)
	assert.True(t, f.BRP.CapabilityRequest)
	assert.False(t, f.BRP.FeedbackPresent)
	assert.Empty(t, f.BRP.Measurements)
}

func TestBRPFrame_EmptyMeasurementsRejected(t *testing.T) {
	t.Parallel()
	in := &BRP{FeedbackPresent: true, FeedbackAntenna: 1, Request: BRPRequestField{TXSector: 1, TXAntenna: 1}}
	assert.ErrorIs(t, in.Validate(), ErrEmptyMeasurements)
	_, err := Serialize(&Header{}, in)
	assert.ErrorIs(t, err, ErrEmptyMeasurements)

	in = &BRP{TrainingLength: MaxTrainingUnits + 1, Request: BRPRequestField{TXSector: 1, TXAntenna: 1}}
	assert.ErrorIs(t, in.Validate(), ErrFieldRange)
}

func TestParser_Errors(t *testing.T) {
	t.Parallel()
	p := NewParser()
	_, err := p.Decode([]byte{1, 2, 3})
	assert.Error(t, err)

	data, err := Serialize(&Header{}, &SSWAck{Feedback: Feedback{
		Feedback:   SSWFeedbackField{Sector: 1, Antenna: 1},
		BRPRequest: BRPRequestField{TXSector: 1, TXAntenna: 1},
	}})
	require.NoError(t, err)
	_, err = p.Decode(data[:HeaderLen+2])
	assert.Error(t, err, "truncated body")
	_, err = p.Decode(data[:HeaderLen])
	assert.Error(t, err, "header only")

	unknown := append([]byte{}, data...)
	unknown[0] = 99
	_, err = p.Decode(unknown)
	assert.Error(t, err)
}
