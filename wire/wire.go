package wire

import (
	"context"
	"errors"
	"net"
	"time"

	"golang.org/x/time/rate"
)

var ErrZeroBurst = errors.New("upload rate limiter has a zero burst")

// Wire frames messages over a single connection. Reads and writes may run on different
// goroutines, but each direction must have exactly one user.
type Wire interface {
	// Reading
	ReadHandshake() (Handshake, error)
	ReadMessage() (Message, error)

	// Writing
	SendHandshake(h Handshake) error
	SendMessage(m Message) error

	// Other
	GetLastMessageSent() (lastMessageSent time.Time)
	RemoteAddr() net.Addr
	Close() error
}

type wire struct {
	conn             net.Conn
	timeoutDuration  time.Duration
	maxMessageLength uint32
	limiter          *rate.Limiter
	lastMessageSent  time.Time
}

// NewWire wraps conn. timeoutDuration bounds each write (0 disables it); reads never
// time out. A nil limiter leaves writes unthrottled.
func NewWire(
	conn net.Conn,
	timeoutDuration time.Duration,
	maxMessageLength uint32,
	limiter *rate.Limiter) Wire {

	return &wire{
		conn:             conn,
		timeoutDuration:  timeoutDuration,
		maxMessageLength: maxMessageLength,
		limiter:          limiter,
	}
}

func (w *wire) GetLastMessageSent() time.Time {
	return w.lastMessageSent
}

func (w *wire) RemoteAddr() net.Addr {
	return w.conn.RemoteAddr()
}

func (w *wire) Close() error {
	return w.conn.Close()
}

func (w *wire) ReadHandshake() (Handshake, error) {
	return ReadHandshake(w.conn)
}

func (w *wire) ReadMessage() (Message, error) {
	return ReadMessage(w.conn, w.maxMessageLength)
}

func (w *wire) SendHandshake(h Handshake) error {
	data, err := EncodeHandshake(h)
	if err != nil {
		return err
	}
	return w.send(data)
}

func (w *wire) SendMessage(m Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	return w.send(data)
}

func (w *wire) send(data []byte) error {
	if err := w.throttle(len(data)); err != nil {
		return err
	}
	w.lastMessageSent = time.Now()
	if w.timeoutDuration > 0 {
		w.conn.SetWriteDeadline(time.Now().Add(w.timeoutDuration))
	}
	_, err := w.conn.Write(data)
	return err
}

// throttle waits for n bytes worth of tokens, in burst sized steps.
func (w *wire) throttle(n int) error {
	if w.limiter == nil || w.limiter.Limit() == rate.Inf {
		return nil
	}
	burst := w.limiter.Burst()
	if burst <= 0 {
		return ErrZeroBurst
	}
	for n > 0 {
		step := min(n, burst)
		if err := w.limiter.WaitN(context.Background(), step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}
