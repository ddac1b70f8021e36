// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bbnote/goetr"
	"github.com/bbnote/goetr/hwsim"
)

// target is a simulated trace memory controller together with the system
// memory it writes to
type target struct {
	profile *goetr.DeviceProfile
	mem     *goetr.SystemMemory
	dev     *hwsim.Device
	ctrl    *goetr.Controller
}

func newTarget(mode goetr.Mode) (*target, error) {
	profile := goetr.GetDeviceProfile(flagDevice)

	if profile == nil {
		return nil, fmt.Errorf("unknown device '%s', known devices: %s", flagDevice,
			strings.Join(goetr.DeviceProfileNames(), ", "))
	}

	config := profile.Config(flagDevice)
	config.Mode = mode
	config.BlockSize = flagBlockSize
	config.TriggerCntr = flagTrigger
	config.ForceRegDump = flagRegDump

	if profile.ConfigType == goetr.ConfigTypeETF && mode == goetr.ModeHardwareFIFO {
		config.OutMode = goetr.OutModeNone
	}

	if flagBufferSize > 0 {
		config.BufferSize = flagBufferSize
	}

	if flagMemType != "" {
		memType, err := goetr.ParseMemType(flagMemType)
		if err != nil {
			return nil, err
		}
		config.MemType = memType
	}

	// scatter-gather allocations leave gaps, leave room for them
	mem := goetr.NewSystemMemory(goetr.DefaultMemoryBase, 4*config.BufferSize+64*goetr.PageSize)

	var alloc goetr.Allocator
	ramSize := 0

	if profile.ConfigType == goetr.ConfigTypeETR {
		alloc = mem
	} else {
		ramSize = profile.RamSize
	}

	dev := hwsim.New(profile.ConfigType, mem, ramSize)

	ctrl, err := goetr.New(dev, alloc, config)

	if err != nil {
		return nil, err
	}

	logger.Infof("simulating %s (%s, %d bytes)", flagDevice, profile.ConfigType, config.BufferSize)

	return &target{profile, mem, dev, ctrl}, nil
}

func (t *target) close() {
	if err := t.ctrl.Close(); err != nil {
		logger.Error(err)
	}
}

// generate feeds a counting byte pattern into the formatter at rate bytes
// per second until ctx is done or limit bytes were produced
func (t *target) generate(ctx context.Context, rate int, limit int) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	chunk := rate / 100
	if chunk < 1 {
		chunk = 1
	}

	data := make([]byte, chunk)
	produced := 0
	var counter byte

	for {
		select {
		case <-ctx.Done():
			logger.Debugf("generated %d bytes", produced)
			return nil
		case <-ticker.C:
		}

		n := chunk
		if limit > 0 && produced+n > limit {
			n = limit - produced
		}

		for i := 0; i < n; i++ {
			data[i] = counter
			counter++
		}

		_, err := t.dev.Inject(data[:n])

		if errors.Is(err, hwsim.ErrNotCapturing) {
			continue
		} else if err != nil {
			return err
		}

		produced += n

		if limit > 0 && produced >= limit {
			logger.Debugf("generated %d bytes", produced)
			return nil
		}
	}
}
