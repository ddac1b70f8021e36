// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goetr

import (
	"io"
)

// ReadPrepare opens the captured data for a single reader. A capture still
// running into memory is flushed and stopped first and restarted by
// ReadUnprepare.
func (c *Controller) ReadPrepare() error {
	c.memLock.Lock()
	defer c.memLock.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.reading {
		return newEtrError(ErrorBusy, "%s: already being read", c.name)
	}

	if c.inTransition() {
		return newEtrError(ErrorBusy, "%s: read while %s", c.name, c.State())
	}

	if hasCapability(c.configType, capSystemMemory) {
		if c.outMode != OutModeMem {
			return newEtrError(ErrorInvalidCombination, "%s: nothing to read with output %s", c.name, c.outMode)
		}
	} else if c.mode != ModeCircularBuffer {
		return newEtrError(ErrorInvalidCombination, "%s: nothing to read in mode %s", c.name, c.mode)
	}

	if !c.stickyEnable {
		return newEtrError(ErrorNoData, "%s: nothing captured yet", c.name)
	}

	if c.enable && c.State() == StateEnabled {
		err := c.flushAndStopLocked()
		c.enable = false

		if err != nil {
			return err
		}

		c.rearm = true
	}

	if hasCapability(c.configType, capSystemMemory) && c.buf == nil {
		c.rearm = false
		return newEtrError(ErrorNoData, "%s: no trace buffer", c.name)
	}

	c.reading = true

	logger.Debugf("%s: read prepared, %d bytes", c.name, c.len)

	return nil
}

// ReadUnprepare ends the read session and restarts a capture that was
// stopped by ReadPrepare.
func (c *Controller) ReadUnprepare() error {
	c.memLock.Lock()
	defer c.memLock.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.reading {
		return nil
	}

	c.reading = false

	if c.rearm {
		c.rearm = false
		return c.enableLocked()
	}

	return nil
}

// Read returns at most length bytes of the captured data starting at
// offset. The window stays valid until ReadUnprepare and never crosses a
// scatter-gather block, so it may be shorter than requested.
func (c *Controller) Read(offset int, length int) ([]byte, error) {
	if c.inTransition() {
		return nil, newEtrError(ErrorBusy, "%s: read while %s", c.name, c.State())
	}

	c.memLock.Lock()
	defer c.memLock.Unlock()

	if !c.reading {
		return nil, newEtrError(ErrorInvalidArgument, "%s: read without prepare", c.name)
	}

	return c.readWindowLocked(offset, length)
}

func (c *Controller) readWindowLocked(offset int, length int) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, newEtrError(ErrorInvalidArgument, "invalid read of %d bytes at %d", length, offset)
	}

	if offset >= c.len {
		return nil, io.EOF
	}

	length = minInt(length, c.len-offset)

	if length == 0 {
		return []byte{}, nil
	}

	if c.buf != nil && hasCapability(c.configType, capSystemMemory) {
		pos := (c.deltaBottom + offset) % c.buf.Size()
		window, n := c.buf.ComputeReadWindow(pos, length)

		return window[:n], nil
	}

	return c.ram[offset : offset+length], nil
}

// ReadAt implements io.ReaderAt over the captured data.
func (c *Controller) ReadAt(p []byte, off int64) (int, error) {
	n := 0

	for n < len(p) {
		window, err := c.Read(int(off)+n, len(p)-n)

		if err != nil {
			return n, err
		}

		n += copy(p[n:], window)
	}

	return n, nil
}

// NewReader returns a reader over everything captured by the last stop.
// ReadPrepare has to be called first.
func (c *Controller) NewReader() *io.SectionReader {
	return io.NewSectionReader(c, 0, int64(c.Len()))
}
