// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goetr

import (
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

const (
	etrFormatterControl = FfcrEnableFormatter | FfcrEnableTrigInsert | FfcrFlushOnFlushIn |
		FfcrFlushOnTrigEvent | FfcrTrigOnTrigIn

	linkFormatterControl = FfcrEnableFormatter | FfcrEnableTrigInsert
)

// Enable starts capturing into the selected sink. In streaming mode the
// hardware is started once the bound channel reports a connection.
func (c *Controller) Enable() error {
	c.memLock.Lock()
	defer c.memLock.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.enableLocked()
}

func (c *Controller) enableLocked() error {
	if c.reading {
		return newEtrError(ErrorBusy, "%s: read session in progress", c.name)
	}

	if c.enable || c.State() != StateDisabled {
		return newEtrError(ErrorBusy, "%s: already enabled", c.name)
	}

	if err := Validate(c.mode, c.configType, c.outMode); err != nil {
		return err
	}

	var err error

	if hasCapability(c.configType, capSystemMemory) {
		switch c.outMode {
		case OutModeMem:
			err = c.etrEnableMemLocked()
		case OutModeUSB:
			err = c.etrEnableStreamLocked()
		default:
			err = c.etrEnableDiscardLocked()
		}
	} else {
		err = c.enableInternalLocked()
	}

	if err != nil {
		return err
	}

	c.enable = true
	c.stickyEnable = true

	logger.Infof("%s: capture enabled (%s, out %s)", c.name, c.mode, c.outMode)

	return nil
}

func (c *Controller) etrEnableMemLocked() error {
	if err := c.checkBufferSize(c.memSize); err != nil {
		return err
	}

	if err := c.ensureBufferLocked(c.memSize, c.memType, c.blockSize); err != nil {
		return err
	}

	c.buf.Clear()
	c.len = 0
	c.deltaBottom = 0

	return c.etrEnableHwLocked(c.buf.BaseAddr(), c.buf.StartAddr(), c.buf.Size(), c.buf.MemType() == MemTypeSG)
}

// etrEnableDiscardLocked starts an ETR without a sink: no buffer is
// programmed and the hardware drops what the formatter emits
func (c *Controller) etrEnableDiscardLocked() error {
	c.len = 0
	c.deltaBottom = 0

	return c.etrEnableHwLocked(0, 0, 0, false)
}

// etrEnableHwLocked programs a system memory buffer and sets capture enable
// once the block reported ready
func (c *Controller) etrEnableHwLocked(base uint64, start uint64, size int, sg bool) error {
	c.setState(StatePreparing)
	c.ctiReset()

	if err := c.waitForReadyLocked("enable"); err != nil {
		c.setState(StateDisabled)
		return err
	}

	c.regs.setRamSize(uint32(size))
	c.regs.setMode(ModeCircularBuffer)
	c.regs.setAxiControl(sg)
	c.regs.setDataBufferAddress(base)
	c.regs.setReadPointer(start)
	c.regs.setWritePointer(start)
	c.regs.setFormatterControl(etrFormatterControl)
	c.regs.setTriggerCounter(c.triggerCntr)
	c.regs.setCaptureEnable(true)

	c.setState(StateEnabled)

	if c.forceRegDump {
		c.regs.dump(c.name, logrus.DebugLevel)
	}

	return nil
}

// enableInternalLocked starts an ETB or ETF, which capture into their
// internal ram or pass the data on in hardware fifo mode
func (c *Controller) enableInternalLocked() error {
	c.setState(StatePreparing)
	c.ctiReset()

	if err := c.waitForReadyLocked("enable"); err != nil {
		c.setState(StateDisabled)
		return err
	}

	c.regs.setMode(c.mode)

	if c.mode == ModeHardwareFIFO {
		c.regs.setFormatterControl(linkFormatterControl)
	} else {
		c.regs.setFormatterControl(etrFormatterControl)
		c.regs.setTriggerCounter(c.triggerCntr)
	}

	c.regs.setCaptureEnable(true)

	c.len = 0
	c.deltaBottom = 0
	c.setState(StateEnabled)

	if c.forceRegDump {
		c.regs.dump(c.name, logrus.DebugLevel)
	}

	return nil
}

func (c *Controller) waitForReadyLocked(step string) error {
	err := pollUntil(c.poll, "TMCReady", c.regs.isReady)

	if err != nil {
		c.faultLocked(step, err)
	}

	return err
}

func (c *Controller) faultLocked(step string, err error) {
	logger.WithFields(logrus.Fields{
		"device": c.name,
		"step":   step,
	}).Error(err)

	if c.forceRegDump {
		c.regs.dump(c.name, logrus.ErrorLevel)
	}
}

// FlushAndStop drains the formatter and stops capturing. Only legal while
// enabled. A streaming capture hands the rest of its data fifo to the
// channel and releases the session.
func (c *Controller) FlushAndStop() error {
	c.memLock.Lock()
	c.mu.Lock()

	if !c.enable || c.State() != StateEnabled {
		state := c.State()
		c.mu.Unlock()
		c.memLock.Unlock()
		return newEtrError(ErrorBusy, "%s: flush requested while %s", c.name, state)
	}

	finish, err := c.stopLocked()

	c.mu.Unlock()
	c.memLock.Unlock()

	return multierr.Append(err, finish())
}

// stopLocked ends the capture for the active sink. The returned function
// does the channel i/o of a streaming sink and has to run after the locks
// were dropped.
func (c *Controller) stopLocked() (func() error, error) {
	if c.outMode == OutModeUSB && c.stream != nil {
		return c.streamStopLocked(true)
	}

	return func() error { return nil }, c.disableLocked()
}

/** Requests a manual flush with stop-on-flush, waits until the formatter
  finished its frame and the block is ready again, records what was
  captured and clears capture enable. On a timeout capture enable is still
  cleared and the controller ends up disabled; the error is returned.
*/
func (c *Controller) flushAndStopLocked() error {
	c.setState(StateFlushing)
	c.ctiFlush()

	c.regs.requestManualFlush()

	err := pollUntil(c.poll, "flush completion", func() bool {
		return !c.regs.flushInProgress()
	})

	if err == nil {
		err = pollUntil(c.poll, "TMCReady", c.regs.isReady)
	}

	if err != nil {
		c.faultLocked("flush and stop", err)
		c.regs.setCaptureEnable(false)
		c.setState(StateDisabled)
		return err
	}

	collectErr := c.collectLocked()

	c.regs.setCaptureEnable(false)
	c.setState(StateDisabled)

	if c.forceRegDump {
		c.regs.dump(c.name, logrus.DebugLevel)
	}

	return collectErr
}

// collectLocked records the captured length after the hardware stopped
func (c *Controller) collectLocked() error {
	if hasCapability(c.configType, capSystemMemory) {
		if c.outMode == OutModeMem && c.buf != nil {
			return c.etrDumpLocked()
		}
		return nil
	}

	if hasCapability(c.configType, capInternalRam) && c.mode == ModeCircularBuffer {
		c.etbDumpLocked()
	}

	return nil
}

// etrDumpLocked derives the captured length from the write pointer. After a
// wrap the oldest byte sits at the write pointer, so reads start there.
func (c *Controller) etrDumpLocked() error {
	rwp := c.regs.writePointer()
	offset, err := c.buf.OffsetOf(rwp)

	if err != nil {
		c.len = 0
		c.deltaBottom = 0
		return err
	}

	if c.regs.isFull() {
		c.len = c.buf.Size()
		c.deltaBottom = offset % c.buf.Size()
	} else {
		c.len = offset
		c.deltaBottom = 0
	}

	logger.Debugf("%s: captured %d bytes (write pointer 0x%x, read start %d)", c.name, c.len, rwp, c.deltaBottom)

	return nil
}

// etbDumpLocked drains the internal ram through RRD into a local copy
func (c *Controller) etbDumpLocked() {
	size := int(c.regs.ramSize())

	if len(c.ram) != size {
		c.ram = make([]byte, size)
	}

	n := c.drainRamLocked(c.ram)

	c.len = n
	c.deltaBottom = 0

	logger.Debugf("%s: drained %d bytes from internal ram", c.name, n)
}

func (c *Controller) drainRamLocked(p []byte) int {
	n := 0

	for n+4 <= len(p) && c.regs.status()&StsEmpty == 0 {
		PutWordLE(p[n:], c.regs.readData())
		n += 4
	}

	return n
}

// Drain copies trace data out of an ETF running in software fifo mode.
func (c *Controller) Drain(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !hasCapability(c.configType, capInternalRam) || c.mode != ModeSoftwareFIFO {
		return 0, newEtrError(ErrorInvalidCombination, "%s: drain needs a software fifo, not %s/%s", c.name, c.configType, c.mode)
	}

	if c.State() != StateEnabled {
		return 0, newEtrError(ErrorBusy, "%s: drain while %s", c.name, c.State())
	}

	if c.regs.bufferLevel() == 0 {
		return 0, nil
	}

	return c.drainRamLocked(p), nil
}

// DisableHW clears capture enable without flushing. Data still in flight is
// lost; meant for buffers known to be drained and for error recovery. A
// streaming session is released without draining it.
func (c *Controller) DisableHW() error {
	c.memLock.Lock()
	c.mu.Lock()

	if c.inTransition() {
		c.mu.Unlock()
		c.memLock.Unlock()
		return newEtrError(ErrorBusy, "%s: disable while %s", c.name, c.State())
	}

	wasEnabled := c.State() == StateEnabled
	capturing := c.regs.captureEnabled()

	c.regs.setCaptureEnable(false)

	var err error
	finish := func() error { return nil }

	if c.outMode == OutModeUSB && c.stream != nil {
		finish = c.stream.detach(nil)
	} else if wasEnabled {
		err = c.collectLocked()
	}

	c.enable = false
	c.enableToBam = false
	c.setState(StateDisabled)

	c.mu.Unlock()
	c.memLock.Unlock()

	logger.Warnf("%s: capture disabled without flush (hardware capturing: %v)", c.name, capturing)

	return multierr.Append(err, finish())
}

// Disable stops capturing: memory sinks are flushed and stopped, a streaming
// session is drained into its channel and released.
func (c *Controller) Disable() error {
	c.memLock.Lock()

	c.mu.Lock()

	if c.reading && c.rearm {
		c.rearm = false
		c.mu.Unlock()
		c.memLock.Unlock()
		return nil
	}

	if !c.enable {
		c.mu.Unlock()
		c.memLock.Unlock()
		return nil
	}

	if c.inTransition() {
		c.mu.Unlock()
		c.memLock.Unlock()
		return newEtrError(ErrorBusy, "%s: disable while %s", c.name, c.State())
	}

	finish, err := c.stopLocked()

	c.mu.Unlock()
	c.memLock.Unlock()

	return multierr.Append(err, finish())
}

func (c *Controller) disableLocked() error {
	err := c.flushAndStopLocked()
	c.enable = false

	logger.Infof("%s: capture disabled, %d bytes captured", c.name, c.len)

	return err
}
