// Package ptyio exposes a peer link as a pseudo-terminal.
//
// Bytes received from the peer are queued with Write and drained into the PTY
// master by a background loop, so a program holding the slave side (a serial
// console, minicom, a script) sees them as terminal input. Bytes that program
// writes to the slave are read from the master and handed to the registered
// ReadCallback, which typically forwards them to the peer.
//
//	p, err := ptyio.NewPty(ptyio.Options{BufferSize: 4096, Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//	p.SetReadCallback(func(b []byte) { _ = mgr.SendTo(addr, b) })
//	fmt.Println("attach to", p.TTYName())
//
// Both queues are fixed-size rings. A full ring drops the overflowing bytes
// and counts them in Stats rather than blocking the caller.
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/peerlink/internal/groutine"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

const (
	DefaultBufferSize   = 4096
	DefaultPollInterval = 50 * time.Millisecond
)

// ReadCallback receives bytes written to the slave side. It runs on the
// dispatcher goroutine and must not retain b.
type ReadCallback func(b []byte)

type Options struct {
	BufferSize   int            // capacity of each ring; 0 means DefaultBufferSize
	PollInterval time.Duration  // upper bound on how long the loops wait before checking for shutdown
	Logger       *logrus.Logger // nil means a discarding logger
	OnError      func(error)    // called at most once when an I/O loop dies
}

// PTY is the master side of a pseudo-terminal pair.
type PTY interface {
	io.WriteCloser
	SetReadCallback(cb ReadCallback)
	TTYName() string
	Stats() Stats
}

type Stats struct {
	Pending   int    // bytes queued for the slave
	Buffered  int    // bytes read from the slave but not yet dispatched
	Dropped   uint64 // bytes lost to ring overflow, both directions
	BytesIn   uint64 // bytes read from the slave
	BytesOut  uint64 // bytes written to the slave
	Callbacks uint64
	Panics    uint64 // callbacks unregistered after panicking
}

type ringPTY struct {
	logger  *logrus.Logger
	master  *os.File
	slave   *os.File
	ttyName string
	poll    int // milliseconds

	toSlave   *ringbuffer.RingBuffer
	fromSlave *ringbuffer.RingBuffer
	wakeWrite chan struct{}
	wakeRead  chan struct{}

	cb      atomic.Value // ReadCallback
	onError func(error)
	errOnce sync.Once

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	dropped   atomic.Uint64
	bytesIn   atomic.Uint64
	bytesOut  atomic.Uint64
	callbacks atomic.Uint64
	panics    atomic.Uint64
}

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// NewPty opens a PTY pair, puts the slave into raw mode and starts the I/O loops.
func NewPty(opts Options) (PTY, error) {
	master, slave, err := openRaw()
	if err != nil {
		return nil, err
	}

	size := opts.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = discardLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &ringPTY{
		logger:    logger,
		master:    master,
		slave:     slave,
		ttyName:   slave.Name(),
		poll:      int(interval / time.Millisecond),
		toSlave:   ringbuffer.New(size),
		fromSlave: ringbuffer.New(size),
		wakeWrite: make(chan struct{}, 1),
		wakeRead:  make(chan struct{}, 1),
		onError:   opts.OnError,
		ctx:       ctx,
		cancel:    cancel,
	}

	groutine.GoTracked(ctx, &p.wg, "pty-master-read", func(ctx context.Context) { p.readLoop(ctx) })
	groutine.GoTracked(ctx, &p.wg, "pty-master-write", func(ctx context.Context) { p.writeLoop(ctx) })
	groutine.GoTracked(ctx, &p.wg, "pty-dispatch", func(ctx context.Context) { p.dispatch(ctx) })

	logger.WithField("tty", p.ttyName).Debug("PTY opened")
	return p, nil
}

func openRaw() (*os.File, *os.File, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create PTY: %w", err)
	}

	fail := func(step string, err error) (*os.File, *os.File, error) {
		_ = master.Close()
		_ = slave.Close()
		return nil, nil, fmt.Errorf("failed to %s on %s: %w", step, slave.Name(), err)
	}

	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return fail("set raw mode", err)
	}
	if err := syscall.SetNonblock(int(master.Fd()), true); err != nil {
		return fail("set non-blocking mode", err)
	}
	return master, slave, nil
}

func (p *ringPTY) TTYName() string {
	return p.ttyName
}

// Write queues b for the slave. It never blocks; the returned count is how
// much fit in the ring.
func (p *ringPTY) Write(b []byte) (int, error) {
	if p.ctx.Err() != nil {
		return 0, os.ErrClosed
	}
	if len(b) == 0 {
		return 0, nil
	}

	n, err := p.toSlave.Write(b)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) && !errors.Is(err, ringbuffer.ErrTooMuchDataToWrite) {
		return n, fmt.Errorf("pty write: %w", err)
	}
	if n < len(b) {
		p.dropped.Add(uint64(len(b) - n))
		p.logger.WithFields(logrus.Fields{
			"tty":     p.ttyName,
			"dropped": len(b) - n,
		}).Warn("PTY output ring full")
	}
	if n > 0 {
		signal(p.wakeWrite)
	}
	return n, nil
}

// SetReadCallback replaces the callback; nil stops delivery and leaves input buffered.
func (p *ringPTY) SetReadCallback(cb ReadCallback) {
	p.cb.Store(cb)
	signal(p.wakeRead)
}

func (p *ringPTY) Stats() Stats {
	return Stats{
		Pending:   p.toSlave.Length(),
		Buffered:  p.fromSlave.Length(),
		Dropped:   p.dropped.Load(),
		BytesIn:   p.bytesIn.Load(),
		BytesOut:  p.bytesOut.Load(),
		Callbacks: p.callbacks.Load(),
		Panics:    p.panics.Load(),
	}
}

// Close stops the loops and closes both ends. Safe to call more than once.
func (p *ringPTY) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.cancel()

		done := make(chan struct{})
		groutine.Go(context.Background(), "pty-close-wait", func(context.Context) {
			p.wg.Wait()
			close(done)
		})
		select {
		case <-done:
		case <-time.After(time.Duration(p.poll)*time.Millisecond*4 + time.Second):
			p.logger.WithField("tty", p.ttyName).Warn("PTY loops did not stop in time")
		}

		err = errors.Join(p.master.Close(), p.slave.Close())
		p.logger.WithField("tty", p.ttyName).Debug("PTY closed")
	})
	return err
}

func (p *ringPTY) fail(err error) {
	p.logger.WithError(err).WithField("tty", p.ttyName).Error("PTY loop stopped")
	if p.onError != nil {
		p.errOnce.Do(func() { p.onError(err) })
	}
}

func (p *ringPTY) readLoop(ctx context.Context) {
	fds := []unix.PollFd{{Fd: int32(p.master.Fd()), Events: unix.POLLIN}}
	buf := make([]byte, 1024)

	for ctx.Err() == nil {
		ready, err := unix.Poll(fds, p.poll)
		if err != nil && !errors.Is(err, syscall.EINTR) {
			p.fail(fmt.Errorf("poll master: %w", err))
			return
		}
		if ready <= 0 {
			continue
		}

		n, err := p.master.Read(buf)
		if n > 0 {
			p.bytesIn.Add(uint64(n))
			kept, _ := p.fromSlave.Write(buf[:n])
			if kept < n {
				p.dropped.Add(uint64(n - kept))
			}
			signal(p.wakeRead)
		}
		switch {
		case err == nil:
		case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR), errors.Is(err, os.ErrDeadlineExceeded):
		case ctx.Err() != nil:
			return
		default:
			p.fail(fmt.Errorf("read master: %w", err))
			return
		}
	}
}

func (p *ringPTY) writeLoop(ctx context.Context) {
	fds := []unix.PollFd{{Fd: int32(p.master.Fd()), Events: unix.POLLOUT}}
	buf := make([]byte, 1024)
	interval := time.Duration(p.poll) * time.Millisecond

	for {
		if p.toSlave.IsEmpty() {
			select {
			case <-ctx.Done():
				return
			case <-p.wakeWrite:
			case <-time.After(interval):
			}
			continue
		}

		n, err := p.toSlave.TryRead(buf)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			p.fail(fmt.Errorf("drain output ring: %w", err))
			return
		}

		chunk := buf[:n]
		for len(chunk) > 0 {
			if ctx.Err() != nil {
				return
			}
			w, err := p.master.Write(chunk)
			if w > 0 {
				p.bytesOut.Add(uint64(w))
				chunk = chunk[w:]
			}
			switch {
			case err == nil:
			case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR), errors.Is(err, os.ErrDeadlineExceeded):
				if _, perr := unix.Poll(fds, p.poll); perr != nil && !errors.Is(perr, syscall.EINTR) {
					p.fail(fmt.Errorf("poll master: %w", perr))
					return
				}
			default:
				p.fail(fmt.Errorf("write master: %w", err))
				return
			}
		}
	}
}

func (p *ringPTY) dispatch(ctx context.Context) {
	buf := make([]byte, 1024)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wakeRead:
		}

		for ctx.Err() == nil {
			cb, _ := p.cb.Load().(ReadCallback)
			if cb == nil {
				break
			}
			n, _ := p.fromSlave.TryRead(buf)
			if n == 0 {
				break
			}
			p.invoke(cb, buf[:n])
		}
	}
}

func (p *ringPTY) invoke(cb ReadCallback, b []byte) {
	defer func() {
		if r := recover(); r != nil {
			p.cb.Store(ReadCallback(nil))
			p.panics.Add(1)
			p.logger.WithField("tty", p.ttyName).Errorf("read callback panicked, unregistered: %v", r)
		}
	}()
	p.callbacks.Add(1)
	cb(b)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
