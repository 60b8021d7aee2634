package hl7v2

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"time"
)

// Client sends framed messages to an MLLP endpoint and reads one framed
// reply per message.
type Client struct {
	addr    string
	timeout time.Duration
}

// NewClient creates a client for addr ("host:port").
func NewClient(addr string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{addr: addr, timeout: timeout}
}

// Send writes one message and returns the unframed reply.
func (c *Client) Send(message []byte) ([]byte, error) {
	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("mllp: dial %s: %w", c.addr, err)
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if _, err := conn.Write(FrameMessage(message)); err != nil {
		return nil, fmt.Errorf("mllp: write: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(c.timeout))
	reply, err := readFrame(bufio.NewReader(conn))
	if err != nil {
		return nil, fmt.Errorf("mllp: read reply: %w", err)
	}
	return reply, nil
}

// readFrame skips bytes up to a start block and returns everything up to
// the next end block. The trailing CR is consumed when present.
func readFrame(r *bufio.Reader) ([]byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == MLLPStartBlock {
			break
		}
	}

	var buf bytes.Buffer
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == MLLPEndBlock {
			if next, err := r.Peek(1); err == nil && next[0] == MLLPCarriageReturn {
				r.ReadByte()
			}
			return buf.Bytes(), nil
		}
		buf.WriteByte(b)
	}
}

// AckCode returns MSA-1 of a reply, or "" when it has no MSA segment.
func AckCode(reply []byte) string {
	msg, err := Parse(reply)
	if err != nil {
		return ""
	}
	if msa := msg.GetSegment("MSA"); msa != nil {
		return msa.GetField(1)
	}
	return ""
}

// QueryMessage builds the QRY^Q02 demographic query analyzers send for a
// sample number.
func QueryMessage(app, facility, sampleID string, now time.Time) []byte {
	ts := now.Format(hl7TimestampLayout)
	return SerializeSegments(
		fmt.Sprintf("MSH|^~\\&|%s|%s|||%s||QRY^Q02|%s|P|%s", clean(app), clean(facility), ts, ControlIDAt(now), ResponseVersion),
		fmt.Sprintf("QRD|%s|R|I|Q%s|||1^RD|%s|OTH", ts, ControlIDAt(now), clean(sampleID)),
	)
}
