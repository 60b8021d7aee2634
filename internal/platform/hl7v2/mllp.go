package hl7v2

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// MLLPStartBlock is the MLLP start-of-message byte (VT / vertical tab).
	MLLPStartBlock = 0x0B

	// MLLPEndBlock is the MLLP end-of-message byte (FS / file separator).
	MLLPEndBlock = 0x1C

	// MLLPCarriageReturn is the trailing CR after the end block.
	MLLPCarriageReturn = 0x0D

	// DefaultMaxMessageSize bounds the per-connection buffer (8 MB). Analyzer
	// messages with embedded images run to several hundred kilobytes.
	DefaultMaxMessageSize = 8 << 20

	mllpWriteTimeout = 10 * time.Second
)

// MessageHandler is called for each framed payload received on a
// connection. peer is the remote IP address. The returned bytes are framed
// and written back; nil sends no reply.
type MessageHandler func(ctx context.Context, peer string, payload []byte) []byte

// ---------------------------------------------------------------------------
// MLLP framing helpers
// ---------------------------------------------------------------------------

// FrameMessage wraps raw HL7v2 bytes in MLLP framing:
//
//	<0x0B> + message + <0x1C><0x0D>
func FrameMessage(data []byte) []byte {
	frame := make([]byte, 0, len(data)+3)
	frame = append(frame, MLLPStartBlock)
	frame = append(frame, data...)
	frame = append(frame, MLLPEndBlock, MLLPCarriageReturn)
	return frame
}

// UnframeMessage extracts the payload strictly between the first start
// block and the first end block after it. It returns the payload, the bytes
// left after the frame (without the trailing CR), and whether a complete
// frame was found. Bytes before the start block are dropped from rest; a
// buffer that holds an end block but no start block is dropped entirely.
func UnframeMessage(data []byte) (message []byte, rest []byte, found bool) {
	startIdx := bytes.IndexByte(data, MLLPStartBlock)
	if startIdx == -1 {
		if bytes.IndexByte(data, MLLPEndBlock) != -1 {
			return nil, nil, false
		}
		return nil, data, false
	}

	endIdx := bytes.IndexByte(data[startIdx+1:], MLLPEndBlock)
	if endIdx == -1 {
		return nil, data[startIdx:], false
	}
	endIdx = startIdx + 1 + endIdx

	message = data[startIdx+1 : endIdx]
	rest = data[endIdx+1:]
	if len(rest) > 0 && rest[0] == MLLPCarriageReturn {
		rest = rest[1:]
	}
	return message, rest, true
}

// ---------------------------------------------------------------------------
// Connection handling
// ---------------------------------------------------------------------------

// connServer reads MLLP frames from one connection and answers each of them.
type connServer struct {
	handler        MessageHandler
	logger         zerolog.Logger
	maxMessageSize int
	idleTimeout    time.Duration
}

// serve handles conn until the peer disconnects, an I/O error occurs or the
// handler panics. It always closes conn.
func (s *connServer) serve(ctx context.Context, conn net.Conn) {
	peer := peerAddress(conn.RemoteAddr())
	log := s.logger.With().Str("peer", peer).Logger()

	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			var stack [4096]byte
			n := runtime.Stack(stack[:], false)
			log.Error().
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", string(stack[:n])).
				Msg("mllp: panic while handling connection")
		}
	}()

	log.Debug().Msg("mllp: connection accepted")

	buf := make([]byte, 0, 4096)
	readBuf := make([]byte, 4096)

	for {
		if s.idleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}

		n, err := conn.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)

			if len(buf) > s.maxMessageSize {
				log.Warn().Int("buffered", len(buf)).Msg("mllp: message exceeds max size, closing connection")
				return
			}

			for {
				msgBytes, rest, found := UnframeMessage(buf)
				buf = rest
				if !found {
					break
				}
				if !s.exchange(ctx, conn, peer, msgBytes, log) {
					return
				}
			}
		}

		if err != nil {
			var netErr net.Error
			switch {
			case errors.Is(err, io.EOF):
				if len(buf) > 0 {
					log.Warn().Int("discarded", len(buf)).Msg("mllp: peer closed with a partial message")
				}
			case errors.As(err, &netErr) && netErr.Timeout():
				log.Debug().Msg("mllp: idle connection timed out")
			case errors.Is(err, net.ErrClosed):
			default:
				log.Warn().Err(err).Msg("mllp: read error")
			}
			return
		}
	}
}

// exchange dispatches one payload and writes the framed reply. It returns
// false when the connection can no longer be used.
func (s *connServer) exchange(ctx context.Context, conn net.Conn, peer string, msgBytes []byte, log zerolog.Logger) bool {
	payload := append([]byte(nil), msgBytes...)
	exchangeID := uuid.NewString()
	start := time.Now()

	reply := s.handler(ctx, peer, payload)

	log.Debug().
		Str("exchange_id", exchangeID).
		Int("bytes_in", len(payload)).
		Int("bytes_out", len(reply)).
		Dur("latency", time.Since(start)).
		Msg("mllp: exchange")

	if reply == nil {
		return true
	}

	conn.SetWriteDeadline(time.Now().Add(mllpWriteTimeout))
	if _, err := conn.Write(FrameMessage(reply)); err != nil {
		log.Warn().Err(err).Str("exchange_id", exchangeID).Msg("mllp: write error")
		return false
	}
	return true
}

// peerAddress returns the host part of a remote address.
func peerAddress(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
