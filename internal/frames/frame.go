package frames

import (
	"fmt"

	"github.com/google/gopacket"

	"github.com/banshee-data/beamlink/internal/dmg"
)

// Serialize sets h.Type from body and encodes both into a single frame.
func Serialize(h *Header, body gopacket.SerializableLayer) ([]byte, error) {
	switch body.(type) {
	case *SSW:
		h.Type = TypeSSW
	case *SSWFeedback:
		h.Type = TypeSSWFeedback
	case *SSWAck:
		h.Type = TypeSSWAck
	case *BRP:
		h.Type = TypeBRP
	default:
		return nil, fmt.Errorf("unsupported frame body %s", body.LayerType())
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, h, body); err != nil {
		return nil, fmt.Errorf("serialize %s: %w", h.Type, err)
	}
	return buf.Bytes(), nil
}

// Frame is a decoded frame. Exactly one body pointer is set.
type Frame struct {
	Header   Header
	SSW      *SSW
	Feedback *SSWFeedback
	Ack      *SSWAck
	BRP      *BRP
}

// Type returns the header frame type.
func (f *Frame) Type() FrameType { return f.Header.Type }

// From returns the transmitter address.
func (f *Frame) From() dmg.Address { return f.Header.TA }

// Parser decodes frames with a reused gopacket.DecodingLayerParser. A Parser
// is not safe for concurrent use.
type Parser struct {
	parser  *gopacket.DecodingLayerParser
	header  Header
	ssw     SSW
	fbck    SSWFeedback
	ack     SSWAck
	brp     BRP
	decoded []gopacket.LayerType
}

// NewParser returns a parser for DMG control frames.
func NewParser() *Parser {
	p := &Parser{}
	p.parser = gopacket.NewDecodingLayerParser(LayerTypeDMGHeader, &p.header, &p.ssw, &p.fbck, &p.ack, &p.brp)
	p.decoded = make([]gopacket.LayerType, 0, 2)
	return p
}

// Decode parses data. The returned frame does not alias parser state.
func (p *Parser) Decode(data []byte) (*Frame, error) {
	if err := p.parser.DecodeLayers(data, &p.decoded); err != nil {
		return nil, fmt.Errorf("decode dmg frame: %w", err)
	}
	f := &Frame{}
	for _, lt := range p.decoded {
		switch lt {
		case LayerTypeDMGHeader:
			f.Header = p.header
		case LayerTypeSSW:
			s := p.ssw
			f.SSW = &s
		case LayerTypeSSWFeedback:
			s := p.fbck
			f.Feedback = &s
		case LayerTypeSSWAck:
			s := p.ack
			f.Ack = &s
		case LayerTypeBRP:
			s := p.brp
			f.BRP = &s
		}
	}
	if len(p.decoded) < 2 {
		return nil, fmt.Errorf("decode dmg frame type %s: %w", p.header.Type, ErrTruncated)
	}
	return f, nil
}
