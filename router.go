// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goetr

/** Selects where an ETR sends its trace data. Only legal while capture is
  disabled, a failed call leaves the current output in place with one
  exception: selecting the stream without a usable stream adapter falls back
  to no output and reports ErrorStreamUnavailable. A bound stream session is
  shut down before the call returns.
*/
func (c *Controller) SetOutput(out OutMode) error {
	c.memLock.Lock()
	c.mu.Lock()

	finish, err := c.setOutputLocked(out)

	c.mu.Unlock()
	c.memLock.Unlock()

	if finish != nil {
		if ferr := finish(); ferr != nil {
			logger.Warnf("%s: stream teardown: %v", c.name, ferr)
		}
	}

	return err
}

func (c *Controller) setOutputLocked(out OutMode) (func() error, error) {
	if c.enable || c.State() != StateDisabled {
		return nil, newEtrError(ErrorBusy, "%s: cannot change output while enabled", c.name)
	}

	if c.reading {
		return nil, newEtrError(ErrorBusy, "%s: cannot change output while reading", c.name)
	}

	if out == c.outMode {
		return nil, nil
	}

	if !hasCapability(c.configType, capSelectableSink) {
		return nil, newEtrError(ErrorInvalidCombination, "%s has no selectable output", c.configType)
	}

	if err := Validate(c.mode, c.configType, out); err != nil {
		return nil, err
	}

	var finish func() error

	if c.outMode == OutModeUSB && c.stream != nil {
		finish = c.stream.detach(nil)
	}

	if c.outMode == OutModeMem {
		c.releaseCaptureLocked()
	}

	if out == OutModeUSB {
		if err := c.initStreamLocked(); err != nil {
			logger.Warnf("%s: %v, falling back to %s", c.name, err, OutModeNone)
			c.outMode = OutModeNone
			return finish, err
		}
	}

	logger.Infof("%s: output %s -> %s", c.name, c.outMode, out)

	c.outMode = out

	return finish, nil
}

func (c *Controller) initStreamLocked() error {
	if c.stream == nil || c.streamChannel == nil {
		return newEtrError(ErrorStreamUnavailable, "%s: no stream adapter attached", c.name)
	}

	if c.stream.Initialized() {
		return nil
	}

	if err := c.stream.Init(); err != nil {
		return newEtrError(ErrorStreamUnavailable, "%s: stream adapter init failed: %v", c.name, err)
	}

	return nil
}

// releaseCaptureLocked drops the memory buffer together with everything
// captured into it
func (c *Controller) releaseCaptureLocked() {
	c.buf.Release()
	c.buf = nil
	c.len = 0
	c.deltaBottom = 0
	c.stickyEnable = false
}
