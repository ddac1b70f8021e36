// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goetr

/** Checks whether a controller of the given variant may run in mode while
  sending its data to out. Routers need an explicitly selected sink and only
  capture in circular buffer mode; the other variants imply their sink.
*/
func Validate(mode Mode, configType ConfigType, out OutMode) error {
	if _, ok := variantCapabilities[configType]; !ok {
		return newEtrError(ErrorInvalidCombination, "unknown device variant %d", configType)
	}

	modeCap := modeCapability(mode)
	if modeCap < 0 || !hasCapability(configType, modeCap) {
		return newEtrError(ErrorInvalidCombination, "mode %s is not supported by %s", mode, configType)
	}

	sinkCap := sinkCapability(out)
	if sinkCap < 0 || !hasCapability(configType, sinkCap) {
		return newEtrError(ErrorInvalidCombination, "output %s is not supported by %s", out, configType)
	}

	if !hasCapability(configType, capSelectableSink) && out != impliedOutMode(configType, mode) {
		return newEtrError(ErrorInvalidCombination, "%s in mode %s always outputs to %s, not %s",
			configType, mode, impliedOutMode(configType, mode), out)
	}

	return nil
}

// SetMode changes the capture mode. Only legal while capture is disabled.
func (c *Controller) SetMode(mode Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.enable || c.State() != StateDisabled || c.reading {
		return newEtrError(ErrorBusy, "%s: cannot change mode while enabled", c.name)
	}

	out := c.outMode
	if !hasCapability(c.configType, capSelectableSink) {
		out = impliedOutMode(c.configType, mode)
	}

	if err := Validate(mode, c.configType, out); err != nil {
		return err
	}

	logger.Debugf("%s: mode %s -> %s", c.name, c.mode, mode)

	c.mode = mode
	c.outMode = out

	return nil
}

// SetConfigType changes the device variant. Only legal while capture is
// disabled; the mode falls back to circular buffer and the sink to the
// variant default when the current ones are not supported.
func (c *Controller) SetConfigType(configType ConfigType) error {
	c.memLock.Lock()
	defer c.memLock.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.enable || c.State() != StateDisabled || c.reading {
		return newEtrError(ErrorBusy, "%s: cannot change variant while enabled", c.name)
	}

	if _, ok := variantCapabilities[configType]; !ok {
		return newEtrError(ErrorInvalidCombination, "unknown device variant %d", configType)
	}

	if hasCapability(configType, capSystemMemory) && c.mem == nil {
		return newEtrError(ErrorInvalidCombination, "%s needs a system memory allocator", configType)
	}

	mode := c.mode
	if !hasCapability(configType, modeCapability(mode)) {
		mode = ModeCircularBuffer
	}

	out := impliedOutMode(configType, mode)
	if hasCapability(configType, capSelectableSink) && c.outMode != OutModeUSB {
		out = c.outMode
	}

	if err := Validate(mode, configType, out); err != nil {
		return err
	}

	if c.configType != configType {
		c.buf.Release()
		c.buf = nil
		c.ram = nil
		c.len = 0
		c.deltaBottom = 0
		c.stickyEnable = false
	}

	logger.Debugf("%s: variant %s -> %s (mode %s, out %s)", c.name, c.configType, configType, mode, out)

	c.configType = configType
	c.mode = mode
	c.outMode = out

	return nil
}
