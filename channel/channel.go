package channel

import (
	"encoding/binary"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/nexusreplay/core"
	"github.com/golang/snappy"
)

// Frame layout, little-endian:
//
//	size(4) flags(2) type(2) forkID(4) payload(size)
//
// size counts the payload as it appears on the wire. Messages with FlagBulk
// carry a snappy-compressed payload prefixed with its raw length.
const frameHeaderSize = 4 + 2 + 2 + 4

// DefaultBulkThreshold is the payload size above which messages are
// compressed on the wire.
const DefaultBulkThreshold = 4 * 1024

// maxFrameSize bounds incoming frames. Recording data is sent in bounded
// ranges, so anything larger is a protocol violation.
const maxFrameSize = 256 * 1024 * 1024

var (
	metricMessagesSent     = expvar.NewInt("nexusreplay_channel_messages_sent")
	metricMessagesReceived = expvar.NewInt("nexusreplay_channel_messages_received")
	metricBytesSent        = expvar.NewInt("nexusreplay_channel_bytes_sent")
	metricBytesReceived    = expvar.NewInt("nexusreplay_channel_bytes_received")
)

// Handler receives each incoming message. It runs on the channel's reader
// goroutine; long work must be handed off.
type Handler func(msg *Message)

// Options configures a Channel.
type Options struct {
	Logger *slog.Logger
	// Spew logs every message in both directions.
	Spew bool
	// BulkThreshold is the payload size above which messages are
	// compressed. Zero uses the default.
	BulkThreshold int
	// OnClose is invoked once when the reader loop exits. err is nil on a
	// clean close.
	OnClose func(err error)
}

// Channel is a framed bidirectional message transport between two processes
// taking part in record/replay. Sends are serialized; receives run on a
// dedicated goroutine feeding the handler in arrival order.
type Channel struct {
	conn    net.Conn
	handler Handler
	logger  *slog.Logger
	spew    bool
	bulk    int
	onClose func(error)

	sendMu    sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

// New wraps an established connection and starts the reader loop.
func New(conn net.Conn, handler Handler, opts Options) *Channel {
	if handler == nil {
		handler = func(*Message) {}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BulkThreshold <= 0 {
		opts.BulkThreshold = DefaultBulkThreshold
	}
	c := &Channel{
		conn:    conn,
		handler: handler,
		logger:  opts.Logger.With("component", "channel", "remote", conn.RemoteAddr().String()),
		spew:    opts.Spew,
		bulk:    opts.BulkThreshold,
		onClose: opts.OnClose,
	}
	go c.readLoop()
	return c
}

// Send frames and writes a message. Safe for concurrent use.
func (c *Channel) Send(msg *Message) error {
	if c.closed.Load() {
		return core.ErrChannelClosed
	}
	payload := msg.Payload
	flags := msg.Flags
	if len(payload) >= c.bulk {
		encoded := snappy.Encode(nil, payload)
		bulkPayload := make([]byte, 4+len(encoded))
		binary.LittleEndian.PutUint32(bulkPayload[:4], uint32(len(payload)))
		copy(bulkPayload[4:], encoded)
		payload = bulkPayload
		flags |= FlagBulk
	}

	var hdr [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint16(hdr[4:6], flags)
	binary.LittleEndian.PutUint16(hdr[6:8], uint16(msg.Type))
	binary.LittleEndian.PutUint32(hdr[8:12], msg.ForkID)

	if c.spew {
		c.logger.Debug("send", "type", msg.Type.String(), "fork", msg.ForkID, "bytes", len(payload))
	}

	// Stage the frame in a pooled buffer so header and payload go out in
	// one write.
	frame := core.BufferPool.Get()
	defer core.BufferPool.Put(frame)
	frame.Write(hdr[:])
	frame.Write(payload)

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if _, err := c.conn.Write(frame.Bytes()); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	metricMessagesSent.Add(1)
	metricBytesSent.Add(int64(frameHeaderSize + len(payload)))
	return nil
}

// SendTyped builds and sends a message from a typed payload.
func (c *Channel) SendTyped(t MessageType, forkID uint32, payload IPayload) error {
	msg, err := NewMessage(t, forkID, payload)
	if err != nil {
		return err
	}
	return c.Send(msg)
}

func (c *Channel) readLoop() {
	var loopErr error
	for {
		msg, err := c.readMessage()
		if err != nil {
			if !c.closed.Load() && err != io.EOF {
				loopErr = err
				c.logger.Error("channel read failed", "error", err)
			}
			break
		}
		metricMessagesReceived.Add(1)
		if c.spew {
			c.logger.Debug("recv", "type", msg.Type.String(), "fork", msg.ForkID, "bytes", len(msg.Payload))
		}
		c.handler(msg)
	}
	c.closed.Store(true)
	if c.onClose != nil {
		c.onClose(loopErr)
	}
}

func (c *Channel) readMessage() (*Message, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(c.conn, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(hdr[0:4])
	flags := binary.LittleEndian.Uint16(hdr[4:6])
	msgType := MessageType(binary.LittleEndian.Uint16(hdr[6:8]))
	forkID := binary.LittleEndian.Uint32(hdr[8:12])
	if size > maxFrameSize {
		return nil, &core.ProtocolError{MessageType: msgType.String(), Reason: fmt.Sprintf("frame of %d bytes exceeds limit", size)}
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(c.conn, payload); err != nil {
		return nil, err
	}
	metricBytesReceived.Add(int64(frameHeaderSize) + int64(size))

	if flags&FlagBulk != 0 {
		if len(payload) < 4 {
			return nil, &core.ProtocolError{MessageType: msgType.String(), Reason: "bulk payload missing raw length"}
		}
		rawLen := binary.LittleEndian.Uint32(payload[:4])
		raw, err := snappy.Decode(make([]byte, 0, rawLen), payload[4:])
		if err != nil {
			return nil, &core.ProtocolError{MessageType: msgType.String(), Reason: fmt.Sprintf("bulk decode failed: %v", err)}
		}
		if uint32(len(raw)) != rawLen {
			return nil, &core.ProtocolError{MessageType: msgType.String(), Reason: "bulk raw length mismatch"}
		}
		payload = raw
		flags &^= FlagBulk
	}

	return &Message{Type: msgType, Flags: flags, ForkID: forkID, Payload: payload}, nil
}

// Close shuts the channel down. Pending sends fail and the reader loop
// exits.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
	})
	return err
}

// Dial connects to a channel endpoint. Addresses with a "unix:" prefix use
// a unix domain socket; everything else is TCP.
func Dial(addr string, timeout time.Duration) (net.Conn, error) {
	network, address := splitAddr(addr)
	conn, err := net.DialTimeout(network, address, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to dial channel %s: %w", addr, err)
	}
	return conn, nil
}

// Listen opens a channel listener, with the same address scheme as Dial.
func Listen(addr string) (net.Listener, error) {
	network, address := splitAddr(addr)
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, nil
}

func splitAddr(addr string) (network, address string) {
	if rest, ok := strings.CutPrefix(addr, "unix:"); ok {
		return "unix", rest
	}
	return "tcp", addr
}
