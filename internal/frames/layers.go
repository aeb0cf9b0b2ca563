package frames

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/banshee-data/beamlink/internal/dmg"
)

// FrameType identifies the body that follows the DMG header.
type FrameType uint8

const (
	TypeSSW         FrameType = 1
	TypeSSWFeedback FrameType = 2
	TypeSSWAck      FrameType = 3
	TypeBRP         FrameType = 4
)

func (t FrameType) String() string {
	switch t {
	case TypeSSW:
		return "SSW"
	case TypeSSWFeedback:
		return "SSW-FBCK"
	case TypeSSWAck:
		return "SSW-ACK"
	case TypeBRP:
		return "BRP"
	}
	return fmt.Sprintf("FrameType(%d)", uint8(t))
}

var (
	LayerTypeDMGHeader = gopacket.RegisterLayerType(2101, gopacket.LayerTypeMetadata{
		Name: "DMGHeader", Decoder: gopacket.DecodeFunc(decodeHeader)})
	LayerTypeSSW = gopacket.RegisterLayerType(2102, gopacket.LayerTypeMetadata{
		Name: "SSW", Decoder: gopacket.DecodeFunc(decodeSSW)})
	LayerTypeSSWFeedback = gopacket.RegisterLayerType(2103, gopacket.LayerTypeMetadata{
		Name: "SSWFeedback", Decoder: gopacket.DecodeFunc(decodeSSWFeedback)})
	LayerTypeSSWAck = gopacket.RegisterLayerType(2104, gopacket.LayerTypeMetadata{
		Name: "SSWAck", Decoder: gopacket.DecodeFunc(decodeSSWAck)})
	LayerTypeBRP = gopacket.RegisterLayerType(2105, gopacket.LayerTypeMetadata{
		Name: "BRP", Decoder: gopacket.DecodeFunc(decodeBRP)})
)

// HeaderLen is the size of the DMG control header.
const HeaderLen = 15

// MaxDuration is the largest Duration field value.
const MaxDuration = 65535 * time.Microsecond

// Header is the DMG control frame header: type, duration in microseconds,
// receiver address and transmitter address.
type Header struct {
	layers.BaseLayer
	Type     FrameType
	Duration uint16
	RA       dmg.Address
	TA       dmg.Address
}

// DurationMicros rounds d up to whole microseconds for the Duration field.
func DurationMicros(d time.Duration) (uint16, error) {
	if d < 0 {
		d = 0
	}
	us := (d + time.Microsecond - 1) / time.Microsecond
	if us > 65535 {
		return 0, rangeErr("duration_us", int(us), 65535)
	}
	return uint16(us), nil
}

// DurationValue returns the Duration field as a time.Duration.
func (h *Header) DurationValue() time.Duration {
	return time.Duration(h.Duration) * time.Microsecond
}

func (h *Header) LayerType() gopacket.LayerType { return LayerTypeDMGHeader }
func (h *Header) CanDecode() gopacket.LayerClass { return LayerTypeDMGHeader }

// NextLayerType selects the body layer from the frame type.
func (h *Header) NextLayerType() gopacket.LayerType {
	switch h.Type {
	case TypeSSW:
		return LayerTypeSSW
	case TypeSSWFeedback:
		return LayerTypeSSWFeedback
	case TypeSSWAck:
		return LayerTypeSSWAck
	case TypeBRP:
		return LayerTypeBRP
	}
	return gopacket.LayerTypePayload
}

func (h *Header) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < HeaderLen {
		df.SetTruncated()
		return fmt.Errorf("dmg header: %w", ErrTruncated)
	}
	h.Type = FrameType(data[0])
	h.Duration = binary.LittleEndian.Uint16(data[1:3])
	copy(h.RA[:], data[3:9])
	copy(h.TA[:], data[9:15])
	h.BaseLayer = layers.BaseLayer{Contents: data[:HeaderLen], Payload: data[HeaderLen:]}
	return nil
}

func (h *Header) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	buf, err := b.PrependBytes(HeaderLen)
	if err != nil {
		return err
	}
	buf[0] = byte(h.Type)
	binary.LittleEndian.PutUint16(buf[1:3], h.Duration)
	copy(buf[3:9], h.RA[:])
	copy(buf[9:15], h.TA[:])
	return nil
}

func decodeHeader(data []byte, p gopacket.PacketBuilder) error {
	h := &Header{}
	if err := h.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(h)
	return p.NextDecoder(h.NextLayerType())
}

// SSW is the Sector Sweep frame body.
type SSW struct {
	layers.BaseLayer
	SSW      SSWField
	Feedback SSWFeedbackField
}

const sswBodyLen = SSWFieldLen + SSWFeedbackFieldLen

func (s *SSW) LayerType() gopacket.LayerType     { return LayerTypeSSW }
func (s *SSW) CanDecode() gopacket.LayerClass    { return LayerTypeSSW }
func (s *SSW) NextLayerType() gopacket.LayerType { return gopacket.LayerTypeZero }

// DecodeFromBytes decodes the body. The feedback layout follows the
// direction bit: frames sent by the initiator are part of an ISS.
func (s *SSW) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < sswBodyLen {
		df.SetTruncated()
		return fmt.Errorf("ssw body: %w", ErrTruncated)
	}
	if err := s.SSW.UnmarshalBinary(data[:SSWFieldLen]); err != nil {
		return err
	}
	iss := s.SSW.Direction == dmg.Initiator
	if err := s.Feedback.Decode(data[SSWFieldLen:sswBodyLen], iss); err != nil {
		return err
	}
	s.BaseLayer = layers.BaseLayer{Contents: data[:sswBodyLen], Payload: data[sswBodyLen:]}
	return nil
}

func (s *SSW) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	if iss := s.SSW.Direction == dmg.Initiator; s.Feedback.ISS != iss {
		return fmt.Errorf("ssw feedback layout iss=%v does not match direction %s", s.Feedback.ISS, s.SSW.Direction)
	}
	buf, err := b.PrependBytes(sswBodyLen)
	if err != nil {
		return err
	}
	if err := s.SSW.encode(buf[:SSWFieldLen]); err != nil {
		return err
	}
	return s.Feedback.encode(buf[SSWFieldLen:])
}

func decodeSSW(data []byte, p gopacket.PacketBuilder) error {
	s := &SSW{}
	if err := s.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(s)
	return nil
}

// Feedback is the shared body of SSW-FBCK and SSW-ACK frames.
type Feedback struct {
	Feedback   SSWFeedbackField
	BRPRequest BRPRequestField
	BLM        BLMField
}

const feedbackBodyLen = SSWFeedbackFieldLen + BRPRequestFieldLen + BLMFieldLen

func (f *Feedback) decode(data []byte, df gopacket.DecodeFeedback, what string) error {
	if len(data) < feedbackBodyLen {
		df.SetTruncated()
		return fmt.Errorf("%s body: %w", what, ErrTruncated)
	}
	if err := f.Feedback.Decode(data[:SSWFeedbackFieldLen], false); err != nil {
		return err
	}
	if err := f.BRPRequest.UnmarshalBinary(data[SSWFeedbackFieldLen:]); err != nil {
		return err
	}
	return f.BLM.UnmarshalBinary(data[SSWFeedbackFieldLen+BRPRequestFieldLen:])
}

func (f *Feedback) serialize(b gopacket.SerializeBuffer) error {
	if f.Feedback.ISS {
		return fmt.Errorf("feedback frames carry the non-ISS layout")
	}
	buf, err := b.PrependBytes(feedbackBodyLen)
	if err != nil {
		return err
	}
	if err := f.Feedback.encode(buf[:SSWFeedbackFieldLen]); err != nil {
		return err
	}
	if err := f.BRPRequest.encode(buf[SSWFeedbackFieldLen:]); err != nil {
		return err
	}
	return f.BLM.encode(buf[SSWFeedbackFieldLen+BRPRequestFieldLen:])
}

// SSWFeedback is the SSW-FBCK frame body.
type SSWFeedback struct {
	layers.BaseLayer
	Feedback
}

func (s *SSWFeedback) LayerType() gopacket.LayerType     { return LayerTypeSSWFeedback }
func (s *SSWFeedback) CanDecode() gopacket.LayerClass    { return LayerTypeSSWFeedback }
func (s *SSWFeedback) NextLayerType() gopacket.LayerType { return gopacket.LayerTypeZero }

func (s *SSWFeedback) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if err := s.Feedback.decode(data, df, "ssw-fbck"); err != nil {
		return err
	}
	s.BaseLayer = layers.BaseLayer{Contents: data[:feedbackBodyLen], Payload: data[feedbackBodyLen:]}
	return nil
}

func (s *SSWFeedback) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	return s.Feedback.serialize(b)
}

func decodeSSWFeedback(data []byte, p gopacket.PacketBuilder) error {
	s := &SSWFeedback{}
	if err := s.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(s)
	return nil
}

// SSWAck is the SSW-ACK frame body.
type SSWAck struct {
	layers.BaseLayer
	Feedback
}

func (s *SSWAck) LayerType() gopacket.LayerType     { return LayerTypeSSWAck }
func (s *SSWAck) CanDecode() gopacket.LayerClass    { return LayerTypeSSWAck }
func (s *SSWAck) NextLayerType() gopacket.LayerType { return gopacket.LayerTypeZero }

func (s *SSWAck) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if err := s.Feedback.decode(data, df, "ssw-ack"); err != nil {
		return err
	}
	s.BaseLayer = layers.BaseLayer{Contents: data[:feedbackBodyLen], Payload: data[feedbackBodyLen:]}
	return nil
}

func (s *SSWAck) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	return s.Feedback.serialize(b)
}

func decodeSSWAck(data []byte, p gopacket.PacketBuilder) error {
	s := &SSWAck{}
	if err := s.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(s)
	return nil
}
