package line

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

// Port is the byte stream under the link.
type Port io.ReadWriteCloser

// OpenFunc opens a fresh Port.
type OpenFunc func() (Port, error)

// Config holds serial link settings.
type Config struct {
	Device   string // e.g. /dev/ttyACM0
	BaudRate int

	// PollInterval bounds each blocking read so a closed port is noticed.
	PollInterval time.Duration

	// WriteTimeout is the deadline for a single command write.
	WriteTimeout time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns the settings of the reference conveyor controller.
func DefaultConfig() Config {
	return Config{
		Device:       "/dev/ttyACM0",
		BaudRate:     9600,
		PollInterval: 200 * time.Millisecond,
		WriteTimeout: 2 * time.Second,
		Logger:       slog.Default(),
	}
}

// OpenSerial returns an OpenFunc for a real serial device.
func OpenSerial(cfg Config) OpenFunc {
	return func() (Port, error) {
		p, err := serial.Open(cfg.Device, &serial.Mode{BaudRate: cfg.BaudRate})
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.Device, err)
		}
		if cfg.PollInterval > 0 {
			if err := p.SetReadTimeout(cfg.PollInterval); err != nil {
				p.Close()
				return nil, fmt.Errorf("set read timeout: %w", err)
			}
		}
		// Bytes queued while nobody was listening describe an old line state.
		if err := p.ResetInputBuffer(); err != nil {
			p.Close()
			return nil, fmt.Errorf("reset input buffer: %w", err)
		}
		return p, nil
	}
}

// signalBuffer bounds how many decoded signals wait for a reader. Halts that
// overflow it arrived while a cycle was running and would be ignored anyway.
const signalBuffer = 32

type decoded struct {
	sig Signal
	at  time.Time
}

// conn is one open port and its reader goroutine.
type conn struct {
	port    Port
	signals chan decoded
	done    chan struct{}
	err     error // set before done is closed
}

// Serial is a Link over a serial port.
type Serial struct {
	open   OpenFunc
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	cur    *conn
	closed bool

	writeMu sync.Mutex
	seq     atomic.Uint64
	dropped atomic.Uint64
}

var _ Link = (*Serial)(nil)

// NewSerial creates a link that opens ports with open.
func NewSerial(open OpenFunc, cfg Config) *Serial {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Serial{
		open:   open,
		cfg:    cfg,
		logger: logger.With("component", "line.serial", "device", cfg.Device),
	}
}

// Connect opens the port if not already open.
func (s *Serial) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return &LinkError{Op: "open", Err: ErrClosed}
	}
	if s.cur != nil {
		return nil
	}
	return s.connectLocked(ctx)
}

func (s *Serial) connectLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	port, err := s.open()
	if err != nil {
		return &LinkError{Op: "open", Err: err}
	}

	c := &conn{
		port:    port,
		signals: make(chan decoded, signalBuffer),
		done:    make(chan struct{}),
	}
	s.cur = c
	go s.readLoop(c)

	s.logger.Info("line link connected")
	return nil
}

// readLoop decodes sentinels until the port fails or is closed.
func (s *Serial) readLoop(c *conn) {
	buf := make([]byte, 64)
	for {
		n, err := c.port.Read(buf)
		now := time.Now()
		for _, b := range buf[:n] {
			sig, ok := Decode(b)
			if !ok {
				s.logger.Debug("ignoring noise byte", "byte", fmt.Sprintf("0x%02x", b))
				continue
			}
			select {
			case c.signals <- decoded{sig: sig, at: now}:
			default:
				s.dropped.Add(1)
				s.logger.Debug("signal buffer full, dropping", "signal", sig)
			}
		}
		if err != nil {
			c.err = err
			close(c.done)
			return
		}
	}
}

func (s *Serial) current() (*conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.cur == nil {
		return nil, ErrNotConnected
	}
	return s.cur, nil
}

// WaitForHalt blocks until a halt sentinel arrives. Resume sentinels from the
// controller are logged and skipped.
func (s *Serial) WaitForHalt(ctx context.Context) (HaltEvent, error) {
	c, err := s.current()
	if err != nil {
		return HaltEvent{}, &LinkError{Op: "read", Err: err}
	}

	for {
		select {
		case <-ctx.Done():
			return HaltEvent{}, ctx.Err()
		case d := <-c.signals:
			if d.sig != SignalHalt {
				s.logger.Debug("line reports moving")
				continue
			}
			return HaltEvent{Seq: s.seq.Add(1), At: d.at}, nil
		case <-c.done:
			err := c.err
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return HaltEvent{}, &LinkError{Op: "read", Err: err}
		}
	}
}

// Send writes one command byte within the write deadline.
func (s *Serial) Send(ctx context.Context, cmd Command) error {
	b, err := cmd.Byte()
	if err != nil {
		return err
	}
	c, err := s.current()
	if err != nil {
		return &LinkError{Op: "write", Err: err}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result := make(chan error, 1)
	go func() {
		_, err := c.port.Write([]byte{b})
		result <- err
	}()

	timer := time.NewTimer(s.cfg.WriteTimeout)
	defer timer.Stop()

	select {
	case err := <-result:
		if err != nil {
			return &LinkError{Op: "write", Err: err}
		}
		s.logger.Debug("command sent", "command", cmd)
		return nil
	case <-timer.C:
		// A write that never returns means the port is wedged; closing it
		// unblocks the writer and the reader.
		s.dropConn(c)
		return &LinkError{Op: "write", Err: ErrWriteTimeout}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reconnect closes the current port and opens a new one.
func (s *Serial) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return &LinkError{Op: "open", Err: ErrClosed}
	}
	if s.cur != nil {
		s.cur.port.Close()
		s.cur = nil
	}
	return s.connectLocked(ctx)
}

func (s *Serial) dropConn(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == c {
		c.port.Close()
		s.cur = nil
	}
}

// Dropped returns how many decoded signals were discarded on overflow.
func (s *Serial) Dropped() uint64 {
	return s.dropped.Load()
}

// Close releases the port. Further calls fail with ErrClosed.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.cur == nil {
		return nil
	}
	err := s.cur.port.Close()
	s.cur = nil
	return err
}
