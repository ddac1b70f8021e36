// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goetr

import (
	"github.com/boljen/go-bitmap"
)

// variant capability flags
const (
	capModeCircular     = 0
	capModeSoftwareFIFO = 1
	capModeHardwareFIFO = 2
	capSinkNone         = 3
	capSinkMem          = 4
	capSinkUSB          = 5
	capSystemMemory     = 6 // writes to system memory through AXI
	capInternalRam      = 7 // drained through RRD
	capSelectableSink   = 8

	capCount = 16
)

var variantCapabilities = map[ConfigType]bitmap.Bitmap{
	ConfigTypeETB: buildCapabilities(ConfigTypeETB),
	ConfigTypeETR: buildCapabilities(ConfigTypeETR),
	ConfigTypeETF: buildCapabilities(ConfigTypeETF),
}

func buildCapabilities(configType ConfigType) bitmap.Bitmap {
	var flags bitmap.Bitmap = bitmap.New(capCount)

	switch configType {
	case ConfigTypeETB:
		/* plain sink, trace stays in the internal ram */
		flags.Set(capModeCircular, true)
		flags.Set(capSinkMem, true)
		flags.Set(capInternalRam, true)

	case ConfigTypeETR:
		/* router: circular buffer in system memory or streamed out */
		flags.Set(capModeCircular, true)
		flags.Set(capSinkNone, true)
		flags.Set(capSinkMem, true)
		flags.Set(capSinkUSB, true)
		flags.Set(capSystemMemory, true)
		flags.Set(capSelectableSink, true)

	case ConfigTypeETF:
		/* fifo: sink in circular mode, link in hardware fifo mode */
		flags.Set(capModeCircular, true)
		flags.Set(capModeSoftwareFIFO, true)
		flags.Set(capModeHardwareFIFO, true)
		flags.Set(capSinkNone, true)
		flags.Set(capSinkMem, true)
		flags.Set(capInternalRam, true)

	default:
		break
	}

	return flags
}

func hasCapability(configType ConfigType, capability int) bool {
	flags, ok := variantCapabilities[configType]
	if !ok || capability < 0 || capability >= capCount {
		return false
	}
	return flags.Get(capability)
}

func modeCapability(mode Mode) int {
	switch mode {
	case ModeCircularBuffer:
		return capModeCircular
	case ModeSoftwareFIFO:
		return capModeSoftwareFIFO
	case ModeHardwareFIFO:
		return capModeHardwareFIFO
	default:
		return -1
	}
}

func sinkCapability(out OutMode) int {
	switch out {
	case OutModeNone:
		return capSinkNone
	case OutModeMem:
		return capSinkMem
	case OutModeUSB:
		return capSinkUSB
	default:
		return -1
	}
}

// impliedOutMode is the sink of variants that cannot select one
func impliedOutMode(configType ConfigType, mode Mode) OutMode {
	if configType == ConfigTypeETF && mode == ModeHardwareFIFO {
		return OutModeNone
	}
	return OutModeMem
}
