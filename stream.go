// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goetr

import (
	"bytes"
	"sync"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
)

const maxDescriptorLength = 0xffff

type StreamConfig struct {
	DescFIFOSize int
	DataFIFOSize int
	DestPipe     uint32
}

var DefaultStreamConfig = StreamConfig{
	DescFIFOSize: PageSize,
	DataFIFOSize: 16 * PageSize,
	DestPipe:     PipeCount - 1,
}

type StreamStats struct {
	Sessions    uint64
	Pumped      uint64
	Written     uint64
	Completed   uint64
	Descriptors uint64
}

// StreamSession is one binding of the data fifo to an external channel.
type StreamSession struct {
	ID       xid.ID
	SrcPipe  uint32
	DestPipe uint32

	channel StreamChannel
	desc    *Region
	data    *Region
	ring    ringChannel
	descs   descriptorRing
	enabled bool
}

func (s *StreamSession) Channel() StreamChannel {
	return s.channel
}

// DataFIFO is the region the hardware writes to while streaming.
func (s *StreamSession) DataFIFO() *Region {
	return s.data
}

type streamHandler func(s *StreamSession, event StreamEvent, req *StreamRequest)

// StreamAdapter moves trace data from a fifo in system memory to an external
// channel, the job a BAM pipe pair does on real hardware.
type StreamAdapter struct {
	mem    Allocator
	config StreamConfig

	initialized *atomic.Bool

	mu      sync.Mutex
	session *StreamSession
	handler streamHandler

	// ioMu keeps channel writes in collect order; taken after the
	// controller locks and held across the write
	ioMu sync.Mutex

	sessions    *atomic.Uint64
	pumped      *atomic.Uint64
	written     *atomic.Uint64
	completed   *atomic.Uint64
	descriptors *atomic.Uint64
}

func NewStreamAdapter(mem Allocator, config StreamConfig) *StreamAdapter {
	return &StreamAdapter{
		mem:         mem,
		config:      config,
		initialized: atomic.NewBool(false),
		sessions:    atomic.NewUint64(0),
		pumped:      atomic.NewUint64(0),
		written:     atomic.NewUint64(0),
		completed:   atomic.NewUint64(0),
		descriptors: atomic.NewUint64(0),
	}
}

// Init checks the pipe configuration. Until it succeeded the adapter cannot
// be selected as output.
func (a *StreamAdapter) Init() error {
	if a.mem == nil {
		return newEtrError(ErrorStreamUnavailable, "stream adapter has no memory")
	}

	if a.config.DataFIFOSize < PageSize || !isPowerOfTwo(a.config.DataFIFOSize) {
		return newEtrError(ErrorStreamUnavailable, "data fifo size %d is not a power of two of at least %d", a.config.DataFIFOSize, PageSize)
	}

	if a.config.DescFIFOSize < transferDescriptorSize || a.config.DescFIFOSize%transferDescriptorSize != 0 {
		return newEtrError(ErrorStreamUnavailable, "descriptor fifo size %d is not a multiple of %d", a.config.DescFIFOSize, transferDescriptorSize)
	}

	if a.config.DestPipe == PipeIndex || a.config.DestPipe >= PipeCount {
		return newEtrError(ErrorStreamUnavailable, "invalid destination pipe %d", a.config.DestPipe)
	}

	a.initialized.Store(true)

	logger.Debugf("stream adapter ready (data fifo %d bytes, desc fifo %d bytes, pipes %d -> %d)",
		a.config.DataFIFOSize, a.config.DescFIFOSize, PipeIndex, a.config.DestPipe)

	return nil
}

func (a *StreamAdapter) Initialized() bool {
	return a.initialized.Load()
}

// Session returns the bound session or nil.
func (a *StreamAdapter) Session() *StreamSession {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.session
}

func (a *StreamAdapter) Stats() StreamStats {
	return StreamStats{
		Sessions:    a.sessions.Load(),
		Pumped:      a.pumped.Load(),
		Written:     a.written.Load(),
		Completed:   a.completed.Load(),
		Descriptors: a.descriptors.Load(),
	}
}

func (a *StreamAdapter) setHandler(handler streamHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.handler = handler
}

// Bind allocates the transfer fifos and opens channel. Binding the channel
// that is bound already is a no-op; any other channel, or a channel some
// other adapter holds, fails with ErrorChannelBusy.
func (a *StreamAdapter) Bind(channel StreamChannel) error {
	if !a.Initialized() {
		return newEtrError(ErrorStreamUnavailable, "stream adapter is not initialized")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.session != nil {
		if a.session.channel == channel {
			return nil
		}
		return newEtrError(ErrorChannelBusy, "stream adapter is bound to %s", a.session.channel.Name())
	}

	if err := claimChannel(channel.Name()); err != nil {
		return err
	}

	s := &StreamSession{
		ID:       xid.New(),
		SrcPipe:  PipeIndex,
		DestPipe: a.config.DestPipe,
		channel:  channel,
	}

	var err error

	if s.desc, err = a.mem.AllocCoherent(a.config.DescFIFOSize); err != nil {
		releaseChannel(channel.Name())
		return newEtrError(ErrorOutOfMemory, "could not allocate descriptor fifo: %v", err)
	}

	if s.data, err = a.mem.AllocCoherent(a.config.DataFIFOSize); err != nil {
		a.mem.Free(s.desc)
		releaseChannel(channel.Name())
		return newEtrError(ErrorOutOfMemory, "could not allocate data fifo: %v", err)
	}

	s.ring.reset(s.data.PhysAddr(), s.data.Size())
	s.descs.ram = s.desc.Bytes()

	if err := channel.Open(func(event StreamEvent, req *StreamRequest) {
		a.dispatch(s, event, req)
	}); err != nil {
		a.mem.Free(s.data)
		a.mem.Free(s.desc)
		releaseChannel(channel.Name())
		return err
	}

	s.enabled = true
	a.session = s
	a.sessions.Inc()

	logger.WithFields(logrus.Fields{
		"session":   s.ID.String(),
		"channel":   channel.Name(),
		"data_fifo": s.data.PhysAddr(),
		"src_pipe":  s.SrcPipe,
		"dest_pipe": s.DestPipe,
	}).Info("stream session bound")

	return nil
}

// Unbind closes the channel and gives back the fifos. Calling it without a
// bound session is a no-op.
func (a *StreamAdapter) Unbind() error {
	return a.detach(nil)()
}

// Notify delivers a channel event to the bound session.
func (a *StreamAdapter) Notify(event StreamEvent, req *StreamRequest) {
	a.dispatch(nil, event, req)
}

func (a *StreamAdapter) dispatch(s *StreamSession, event StreamEvent, req *StreamRequest) {
	a.mu.Lock()
	handler := a.handler
	if s == nil {
		s = a.session
	}
	a.mu.Unlock()

	if s == nil {
		logger.Debugf("stream event %s without session", event)
		return
	}

	if event == EventWriteDone && req != nil {
		a.completed.Add(uint64(req.Actual))
	}

	if handler != nil {
		handler(s, event, req)
		return
	}

	if event == EventDisconnect {
		if err := a.detachSession(s, nil)(); err != nil {
			logger.Warnf("stream session %s: %v", s.ID, err)
		}
	}
}

// detach unbinds the current session and returns the function that writes
// tail to its channel and closes it. The returned function does channel i/o
// and must run without the controller locks held.
func (a *StreamAdapter) detach(tail []byte) func() error {
	a.mu.Lock()
	s := a.session
	a.mu.Unlock()

	if s == nil {
		return func() error { return nil }
	}

	return a.detachSession(s, tail)
}

func (a *StreamAdapter) detachSession(s *StreamSession, tail []byte) func() error {
	a.mu.Lock()
	if a.session != s || !s.enabled {
		a.mu.Unlock()
		return func() error { return nil }
	}
	a.session = nil
	s.enabled = false
	a.mu.Unlock()

	return func() error {
		a.ioMu.Lock()
		defer a.ioMu.Unlock()

		var err error

		if len(tail) > 0 {
			n, werr := s.channel.Write(tail)
			a.written.Add(uint64(n))
			err = multierr.Append(err, werr)
		}

		err = multierr.Append(err, s.channel.Close())

		a.mem.Free(s.data)
		a.mem.Free(s.desc)
		releaseChannel(s.channel.Name())

		logger.WithField("session", s.ID.String()).Info("stream session unbound")

		return err
	}
}

// collect moves everything the hardware wrote since the last call out of
// the data fifo and records the transfer descriptors
func (a *StreamAdapter) collect(s *StreamSession, rwp uint64) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.session != s || s == nil {
		return nil
	}

	s.ring.updateWritePointer(rwp)

	start := s.ring.rdOff
	pending := s.ring.pending()

	if pending == 0 {
		return nil
	}

	for off := 0; off < pending; off += maxDescriptorLength {
		chunk := minInt(maxDescriptorLength, pending-off)
		addr := s.ring.buffer + uint64((int(start)+off)%int(s.ring.sizeOfBuffer))

		s.descs.push(addr, chunk, off+chunk == pending)
		a.descriptors.Inc()
	}

	data := bytes.NewBuffer(make([]byte, 0, pending))
	n := s.ring.readData(s.data.Bytes(), data)

	a.pumped.Add(uint64(n))

	return data.Bytes()
}

// AttachStreamAdapter makes adapter and channel the USB output of the
// controller.
func (c *Controller) AttachStreamAdapter(adapter *StreamAdapter, channel StreamChannel) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.enable {
		return newEtrError(ErrorBusy, "%s: cannot attach a stream adapter while enabled", c.name)
	}

	if !hasCapability(c.configType, capSinkUSB) {
		return newEtrError(ErrorInvalidCombination, "%s: %s cannot stream", c.name, c.configType)
	}

	c.stream = adapter
	c.streamChannel = channel

	adapter.setHandler(c.onStreamEvent)

	return nil
}

func (c *Controller) StreamAdapter() *StreamAdapter {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.stream
}

// etrEnableStreamLocked binds the session; the hardware is started right
// away when the host is connected, otherwise on the connect event
func (c *Controller) etrEnableStreamLocked() error {
	if c.stream == nil || !c.stream.Initialized() || c.streamChannel == nil {
		return newEtrError(ErrorStreamUnavailable, "%s: no stream adapter available", c.name)
	}

	if err := c.stream.Bind(c.streamChannel); err != nil {
		return err
	}

	c.enableToBam = false

	if c.streamChannel.Connected() {
		if err := c.streamStartHwLocked(); err != nil {
			if uerr := c.stream.detach(nil)(); uerr != nil {
				logger.Warnf("%s: %v", c.name, uerr)
			}
			return err
		}
	} else {
		logger.Infof("%s: waiting for %s to connect", c.name, c.streamChannel.Name())
	}

	return nil
}

func (c *Controller) streamStartHwLocked() error {
	s := c.stream.Session()

	if s == nil {
		return newEtrError(ErrorStreamUnavailable, "%s: no stream session", c.name)
	}

	data := s.DataFIFO()

	if err := c.etrEnableHwLocked(data.PhysAddr(), data.PhysAddr(), data.Size(), false); err != nil {
		return err
	}

	s.ring.reset(data.PhysAddr(), data.Size())
	c.enableToBam = true

	logger.Infof("%s: streaming to %s", c.name, s.channel.Name())

	return nil
}

// streamStopLocked flushes a running hardware and unbinds the session. With
// drain set the bytes still in the data fifo go to the channel. The returned
// function has to be called after the locks were dropped.
func (c *Controller) streamStopLocked(drain bool) (func() error, error) {
	var err error
	var tail []byte

	if c.enableToBam {
		err = c.flushAndStopLocked()

		if drain && err == nil {
			tail = c.stream.collect(c.stream.Session(), c.regs.writePointer())
		}

		c.enableToBam = false
	}

	c.enable = false

	return c.stream.detach(tail), err
}

func (c *Controller) onStreamEvent(s *StreamSession, event StreamEvent, req *StreamRequest) {
	log := logger.WithFields(logrus.Fields{
		"device":  c.name,
		"session": s.ID.String(),
		"event":   event.String(),
	})

	switch event {
	case EventConnect:
		c.memLock.Lock()
		c.mu.Lock()

		var err error
		if c.stream.Session() == s && c.enable && !c.enableToBam && c.outMode == OutModeUSB {
			err = c.streamStartHwLocked()
		}

		c.mu.Unlock()
		c.memLock.Unlock()

		if err != nil {
			log.Errorf("could not start streaming: %v", err)
		}

	case EventDisconnect:
		c.memLock.Lock()
		c.mu.Lock()

		if c.stream.Session() != s {
			c.mu.Unlock()
			c.memLock.Unlock()
			return
		}

		finish, err := c.streamStopLocked(false)
		c.outMode = OutModeNone

		c.mu.Unlock()
		c.memLock.Unlock()

		err = multierr.Append(err, finish())

		if err != nil {
			log.Warnf("stream teardown: %v", err)
		} else {
			log.Info("host disconnected, streaming stopped")
		}

	case EventWriteDone:
		if req != nil && req.Status != nil {
			log.Warnf("transfer failed: %v", req.Status)
		}

	default:
		log.Trace("ignored")
	}
}

// PumpStream moves newly captured bytes from the data fifo to the channel
// and returns how many were written.
func (c *Controller) PumpStream() (int, error) {
	c.mu.Lock()

	if !c.enableToBam || c.stream == nil {
		c.mu.Unlock()
		return 0, nil
	}

	adapter := c.stream
	s := adapter.Session()
	data := adapter.collect(s, c.regs.writePointer())

	if len(data) == 0 {
		c.mu.Unlock()
		return 0, nil
	}

	adapter.ioMu.Lock()
	defer adapter.ioMu.Unlock()

	c.mu.Unlock()

	n, err := s.channel.Write(data)
	adapter.written.Add(uint64(n))

	return n, err
}
