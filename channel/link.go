// Package channel provides the node-side boundary to individual payment
// channel links. The settlement engine addresses commands to a link; delivery
// and retry beyond the outbound queue belong to the transport layer.
package channel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"paylink/chanwire"
)

const outboundQueueSize = 64

var (
	errQueueFull  = errors.New("channel: outbound queue full")
	errLinkClosed = errors.New("channel: link closed")
)

// Link represents one active channel. Commands are queued and written by a
// dedicated writer goroutine as length-prefixed chanwire frames.
type Link struct {
	shortID  uint64
	w        io.Writer
	outbound chan chanwire.Command
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}
}

// NewLink starts a link writing frames to w. The caller owns w's lifetime;
// Close stops the writer goroutine without closing w.
func NewLink(shortID uint64, w io.Writer, logger *slog.Logger) *Link {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Link{
		shortID:  shortID,
		w:        w,
		outbound: make(chan chanwire.Command, outboundQueueSize),
		logger:   logger.With(slog.Uint64("channel", shortID)),
		ctx:      ctx,
		cancel:   cancel,
		closed:   make(chan struct{}),
	}
	go l.writeLoop()
	return l
}

// ShortID returns the channel identifier fragments reference.
func (l *Link) ShortID() uint64 { return l.shortID }

// SendCommand queues a settlement command for delivery on this channel. It
// never blocks: a full queue or a closed link surfaces as an error.
func (l *Link) SendCommand(cmd chanwire.Command) error {
	select {
	case <-l.ctx.Done():
		return errLinkClosed
	default:
	}

	select {
	case l.outbound <- cmd:
		return nil
	case <-l.ctx.Done():
		return errLinkClosed
	default:
		return errQueueFull
	}
}

func (l *Link) writeLoop() {
	defer close(l.closed)
	for {
		select {
		case <-l.ctx.Done():
			return
		case cmd := <-l.outbound:
			if err := l.writeFrame(cmd); err != nil {
				l.logger.Error("write command", slog.Any("error", err))
				l.cancel()
				return
			}
		}
	}
}

func (l *Link) writeFrame(cmd chanwire.Command) error {
	payload, err := chanwire.Encode(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := l.w.Write(header[:]); err != nil {
		return err
	}
	_, err = l.w.Write(payload)
	return err
}

// Close stops the writer goroutine. Queued but unwritten commands are
// dropped; the transport layer is responsible for retransmission on channel
// re-establishment.
func (l *Link) Close() {
	l.closeOnce.Do(func() {
		l.cancel()
		<-l.closed
	})
}

// ReadFrame decodes one length-prefixed command frame from r, as written by a
// Link on the other side.
func ReadFrame(r io.Reader) (chanwire.Command, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	payload := make([]byte, binary.BigEndian.Uint32(header[:]))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return chanwire.Decode(payload)
}
