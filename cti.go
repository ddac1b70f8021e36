// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goetr

// CrossTrigger is the cross trigger interface used to synchronise flushes and
// resets between the components of a multi-source trace session.
type CrossTrigger interface {
	RequestFlush() error
	RequestReset() error
}

// AttachCrossTrigger hooks cti into the enable and flush sequences. Passing
// nil detaches it.
func (c *Controller) AttachCrossTrigger(cti CrossTrigger) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cti = cti
}

// a failing cross trigger must not keep the local block from stopping
func (c *Controller) ctiReset() {
	if c.cti == nil {
		return
	}

	if err := c.cti.RequestReset(); err != nil {
		logger.Warnf("%s: cross trigger reset failed: %v", c.name, err)
	}
}

func (c *Controller) ctiFlush() {
	if c.cti == nil {
		return
	}

	if err := c.cti.RequestFlush(); err != nil {
		logger.Warnf("%s: cross trigger flush failed: %v", c.name, err)
	}
}
