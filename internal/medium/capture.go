package medium

import (
	"fmt"
	"io"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/beamlink/internal/timeutil"
)

// LinkTypeDMG is the pcap link type used for captured frames (DLT_USER0).
const LinkTypeDMG = layers.LinkType(147)

// captureSnapLen bounds the bytes stored per frame.
const captureSnapLen = 65535

// Capture writes frames to a pcap stream, timestamped from clock.
type Capture struct {
	w     *pcapgo.Writer
	clock timeutil.Clock
	count int
}

// NewCapture writes the pcap file header to w.
func NewCapture(w io.Writer, clock timeutil.Clock) (*Capture, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(captureSnapLen, LinkTypeDMG); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	return &Capture{w: pw, clock: clock}, nil
}

// Write appends one frame.
func (c *Capture) Write(frame []byte) error {
	ci := gopacket.CaptureInfo{
		Timestamp:     c.clock.Now(),
		CaptureLength: len(frame),
		Length:        len(frame),
	}
	if err := c.w.WritePacket(ci, frame); err != nil {
		return err
	}
	c.count++
	return nil
}

// Count returns the number of frames written.
func (c *Capture) Count() int { return c.count }
