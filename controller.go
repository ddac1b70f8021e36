// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goetr

import (
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
)

const (
	DefaultBufferSize = 1024 * 1024
	DefaultBlockSize  = PageSize
)

type Config struct {
	Name         string
	ConfigType   ConfigType
	Mode         Mode
	MemWidth     MemWidth
	MemType      MemType
	OutMode      OutMode
	BufferSize   int
	BlockSize    int
	TriggerCntr  uint32
	ForceRegDump bool
	Poll         PollPolicy
}

func NewConfig(name string, configType ConfigType, memType MemType, bufferSize int) *Config {

	config := &Config{
		Name:       name,
		ConfigType: configType,
		Mode:       ModeCircularBuffer,
		MemWidth:   MemWidth64Bits,
		MemType:    memType,
		OutMode:    impliedOutMode(configType, ModeCircularBuffer),
		BufferSize: bufferSize,
		BlockSize:  DefaultBlockSize,
		Poll:       DefaultPollPolicy,
	}

	return config
}

// Controller drives one trace memory controller block.
//
// mu serializes state transitions (enable, flush, mode and output changes,
// stream notifications). memLock serializes buffer allocation and the read
// path and is always taken before mu.
type Controller struct {
	name string
	regs tmcRegs
	mem  Allocator

	mu      sync.Mutex
	memLock sync.Mutex

	state        *atomic.Int32
	enable       bool
	reading      bool
	stickyEnable bool
	rearm        bool

	mode         Mode
	configType   ConfigType
	memWidth     MemWidth
	memType      MemType
	outMode      OutMode
	memSize      int
	blockSize    int
	triggerCntr  uint32
	forceRegDump bool
	poll         PollPolicy

	buf         *TraceBuffer
	ram         []byte
	len         int
	deltaBottom int

	cti           CrossTrigger
	stream        *StreamAdapter
	streamChannel StreamChannel
	enableToBam   bool
}

// New creates the controller for the register window regs. mem provides the
// system memory of ETR buffers and may be nil for ETB and ETF variants.
func New(regs RegisterAccess, mem Allocator, config *Config) (*Controller, error) {
	if regs == nil {
		return nil, newEtrError(ErrorInvalidArgument, "no register access given")
	}

	if config == nil {
		return nil, newEtrError(ErrorInvalidArgument, "no configuration given")
	}

	if hasCapability(config.ConfigType, capSystemMemory) && mem == nil {
		return nil, newEtrError(ErrorInvalidArgument, "%s needs a system memory allocator", config.ConfigType)
	}

	if err := Validate(config.Mode, config.ConfigType, config.OutMode); err != nil {
		return nil, err
	}

	if config.MemWidth == 0 {
		config.MemWidth = MemWidth32Bits
	}

	if config.BlockSize == 0 {
		config.BlockSize = DefaultBlockSize
	}

	c := &Controller{
		name:         config.Name,
		regs:         tmcRegs{io: regs},
		mem:          mem,
		state:        atomic.NewInt32(int32(StateDisabled)),
		mode:         config.Mode,
		configType:   config.ConfigType,
		memWidth:     config.MemWidth,
		memType:      config.MemType,
		outMode:      config.OutMode,
		memSize:      config.BufferSize,
		blockSize:    config.BlockSize,
		triggerCntr:  config.TriggerCntr,
		forceRegDump: config.ForceRegDump,
		poll:         config.Poll,
	}

	if hasCapability(c.configType, capSystemMemory) {
		if err := c.checkBufferSize(c.memSize); err != nil {
			return nil, err
		}
	}

	logger.Debugf("attached %s controller %s (mode %s, out %s, mem %s)", c.configType, c.name, c.mode, c.outMode, c.memType)

	return c, nil
}

// Close stops capturing and gives back every resource of the controller.
func (c *Controller) Close() error {
	var err error

	if c.Enabled() {
		err = multierr.Append(err, c.Disable())
	}

	c.memLock.Lock()
	defer c.memLock.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.buf.Release()
	c.buf = nil
	c.ram = nil
	c.reading = false
	c.rearm = false

	logger.Debugf("closed controller %s", c.name)

	return err
}

func (c *Controller) Name() string {
	return c.name
}

func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) setState(s State) {
	old := State(c.state.Swap(int32(s)))

	if old != s {
		logger.Tracef("%s: %s -> %s", c.name, old, s)
	}
}

// inTransition reports a protocol sequence that is running right now
func (c *Controller) inTransition() bool {
	s := c.State()
	return s == StatePreparing || s == StateFlushing
}

// Enabled reports whether capture has been requested, including a streaming
// capture that still waits for its channel to connect.
func (c *Controller) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.enable
}

func (c *Controller) Reading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.reading
}

func (c *Controller) OutMode() OutMode {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.outMode
}

func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.mode
}

func (c *Controller) ConfigType() ConfigType {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.configType
}

// Len is the number of valid trace bytes captured by the last stop.
func (c *Controller) Len() int {
	c.memLock.Lock()
	defer c.memLock.Unlock()

	return c.len
}

// Buffer returns the currently allocated system memory buffer, if any.
func (c *Controller) Buffer() *TraceBuffer {
	c.memLock.Lock()
	defer c.memLock.Unlock()

	return c.buf
}

func (c *Controller) checkBufferSize(size int) error {
	if size <= 0 {
		return newEtrError(ErrorInvalidArgument, "invalid buffer size %d", size)
	}

	if uint32(size)%c.memWidth.Bytes() != 0 {
		return newEtrError(ErrorInvalidArgument, "buffer size %d is not aligned to the %d byte memory interface", size, c.memWidth.Bytes())
	}

	return nil
}

// SetBufferSize sets the size of the next buffer allocation.
func (c *Controller) SetBufferSize(size int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.enable {
		return newEtrError(ErrorBusy, "%s: cannot change buffer size while enabled", c.name)
	}

	if err := c.checkBufferSize(size); err != nil {
		return err
	}

	c.memSize = size
	return nil
}

// SetMemType selects the allocation strategy of the next buffer allocation.
func (c *Controller) SetMemType(memType MemType) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.enable {
		return newEtrError(ErrorBusy, "%s: cannot change memory type while enabled", c.name)
	}

	if memType != MemTypeContig && memType != MemTypeSG {
		return newEtrError(ErrorInvalidArgument, "unknown memory type %d", memType)
	}

	c.memType = memType
	return nil
}

// SetBlockSize sets the scatter-gather block size of the next allocation.
func (c *Controller) SetBlockSize(blockSize int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.enable {
		return newEtrError(ErrorBusy, "%s: cannot change block size while enabled", c.name)
	}

	if blockSize <= 0 || blockSize%PageSize != 0 {
		return newEtrError(ErrorInvalidArgument, "block size %d is not a multiple of %d", blockSize, PageSize)
	}

	c.blockSize = blockSize
	return nil
}

// SetTriggerCounter sets the number of words kept after a trigger.
func (c *Controller) SetTriggerCounter(words uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.enable {
		return newEtrError(ErrorBusy, "%s: cannot change trigger counter while enabled", c.name)
	}

	c.triggerCntr = words
	return nil
}

func (c *Controller) SetForceRegDump(force bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.forceRegDump = force
}

// ensureBufferLocked (re)allocates the system memory buffer when the
// requested size or strategy changed. Called with memLock held.
func (c *Controller) ensureBufferLocked(size int, memType MemType, blockSize int) error {
	if c.buf.matches(size, memType, blockSize) {
		return nil
	}

	if c.buf != nil {
		c.buf.Release()
		c.buf = nil
	}

	buf, err := AllocateTraceBuffer(c.mem, size, memType, blockSize)

	if err != nil {
		logger.Errorf("%s: %v", c.name, err)
		return err
	}

	c.buf = buf
	c.len = 0
	c.deltaBottom = 0

	return nil
}
