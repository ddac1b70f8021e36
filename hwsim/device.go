// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

// Package hwsim simulates the register window of a trace memory controller
// together with the formatter that feeds it, close enough to run the enable,
// flush and read sequences against it.
package hwsim

import (
	"bytes"
	"errors"
	"sync"

	"github.com/bbnote/goetr"
)

// FrameSize is the formatter frame; injected bytes only become visible in
// memory once a frame is complete or a flush pushed them out.
const FrameSize = 16

var ErrNotCapturing = errors.New("hwsim: capture is not enabled")

// RegWrite is one entry of the register write log.
type RegWrite struct {
	Reg   goetr.Register
	Value uint32
}

// Device is a simulated ETB, ETR or ETF. It implements goetr.RegisterAccess.
type Device struct {
	mu sync.Mutex

	configType goetr.ConfigType
	mem        goetr.PhysMemory
	regs       map[goetr.Register]uint32
	writes     []RegWrite

	// ReadyDelay is the number of STS reads reporting TMCReady clear after
	// a flush stopped the formatter.
	ReadyDelay int
	// FlushDelay is the number of FFCR reads until a manual flush completed.
	FlushDelay int
	// StuckFlush keeps FLUSHMAN set forever.
	StuckFlush bool
	// StuckNotReady keeps TMCReady clear forever.
	StuckNotReady bool

	notReadyReads int
	flushReads    int

	capturing bool
	stopped   bool
	triggered bool
	pending   []byte

	// system memory sink
	size        int
	base        uint64
	blocks      []uint64
	blockSize   int
	writeOffset int
	wrapped     bool
	setupErr    error

	// internal ram
	ram      []byte
	ramRd    int
	ramCount int
	ramFull  bool

	linkOut bytes.Buffer
}

// New creates a device. mem is the bus view of system memory and only used
// by ETR devices, ramSize is the internal ram of ETB and ETF devices.
func New(configType goetr.ConfigType, mem goetr.PhysMemory, ramSize int) *Device {
	d := &Device{
		configType: configType,
		mem:        mem,
		regs:       make(map[goetr.Register]uint32),
	}

	if configType != goetr.ConfigTypeETR {
		d.ram = make([]byte, ramSize)
	}

	return d
}

func (d *Device) Read(reg goetr.Register) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch reg {
	case goetr.RegSTS:
		return d.statusLocked()

	case goetr.RegFFCR:
		if d.regs[reg]&goetr.FfcrFlushManual != 0 && !d.StuckFlush {
			if d.flushReads > 0 {
				d.flushReads--
			}
			if d.flushReads == 0 {
				d.completeFlushLocked()
			}
		}
		return d.regs[reg]

	case goetr.RegFFSR:
		var ffsr uint32
		if d.regs[goetr.RegFFCR]&goetr.FfcrFlushManual != 0 {
			ffsr |= goetr.FfsrFlushInProgress
		}
		if d.stopped {
			ffsr |= goetr.FfsrFormatterStop
		}
		return ffsr

	case goetr.RegRWP, goetr.RegRWPHI:
		if d.configType == goetr.ConfigTypeETR && d.size > 0 && d.setupErr == nil {
			addr := d.addrLocked(d.writeOffset)
			if reg == goetr.RegRWP {
				return uint32(addr)
			}
			return uint32(addr >> 32)
		}
		return d.regs[reg]

	case goetr.RegRRD:
		return d.popWordLocked()

	case goetr.RegRSZ:
		if d.configType != goetr.ConfigTypeETR {
			return uint32(len(d.ram) / 4)
		}
		return d.regs[reg]

	case goetr.RegCBUFLEVEL:
		if d.configType != goetr.ConfigTypeETR {
			return uint32(d.ramCount / 4)
		}
		if d.wrapped {
			return uint32(d.size / 4)
		}
		return uint32(d.writeOffset / 4)

	default:
		return d.regs[reg]
	}
}

func (d *Device) statusLocked() uint32 {
	var sts uint32

	ready := !d.capturing || d.stopped

	if d.notReadyReads > 0 {
		d.notReadyReads--
		ready = false
	}

	if ready && !d.StuckNotReady {
		sts |= goetr.StsTmcReady
	}

	if d.wrapped || d.ramFull {
		sts |= goetr.StsFull
	}

	if d.triggered {
		sts |= goetr.StsTriggered
	}

	if d.configType != goetr.ConfigTypeETR && d.ramCount == 0 {
		sts |= goetr.StsEmpty
	}

	return sts
}

func (d *Device) Write(reg goetr.Register, value uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.writes = append(d.writes, RegWrite{reg, value})

	switch reg {
	case goetr.RegCTL:
		enable := value&goetr.CtlCaptureEnable != 0
		was := d.regs[reg]&goetr.CtlCaptureEnable != 0
		d.regs[reg] = value

		if enable && !was {
			d.startLocked()
		} else if !enable && was {
			d.capturing = false
			d.pending = nil
		}

	case goetr.RegFFCR:
		flushRequested := value&goetr.FfcrFlushManual != 0 && d.regs[reg]&goetr.FfcrFlushManual == 0
		d.regs[reg] = value

		if flushRequested {
			d.flushReads = d.FlushDelay
			if d.FlushDelay == 0 && !d.StuckFlush {
				d.completeFlushLocked()
			}
		}

	case goetr.RegRSZ:
		if d.configType == goetr.ConfigTypeETR {
			d.regs[reg] = value
		}

	default:
		d.regs[reg] = value
	}
}

func (d *Device) startLocked() {
	d.capturing = true
	d.stopped = false
	d.triggered = false
	d.pending = nil

	if d.configType != goetr.ConfigTypeETR {
		d.ramRd = 0
		d.ramCount = 0
		d.ramFull = false
		return
	}

	d.size = int(d.regs[goetr.RegRSZ]) * 4
	d.base = uint64(d.regs[goetr.RegDBALO]) | uint64(d.regs[goetr.RegDBAHI])<<32
	d.writeOffset = 0
	d.wrapped = false
	d.blocks = nil
	d.setupErr = nil

	if d.regs[goetr.RegAXICTL]&goetr.AxiCtlScatterGat != 0 {
		walk, err := goetr.WalkSgTable(d.mem, d.base, 2*d.size/goetr.PageSize+16)

		if err != nil {
			d.setupErr = err
			return
		}

		if len(walk.Blocks) == 0 || d.size%len(walk.Blocks) != 0 {
			d.setupErr = errors.New("hwsim: sg table does not match RSZ")
			return
		}

		// the table only carries block addresses; blocks are equally sized
		d.blocks = walk.Blocks
		d.blockSize = d.size / len(walk.Blocks)
	}
}

func (d *Device) addrLocked(offset int) uint64 {
	if d.blocks != nil {
		return d.blocks[offset/d.blockSize] + uint64(offset%d.blockSize)
	}
	return d.base + uint64(offset)
}

func (d *Device) completeFlushLocked() {
	if d.capturing && !d.stopped {
		pad := 0
		if d.configType != goetr.ConfigTypeETR && len(d.pending)%4 != 0 {
			pad = 4 - len(d.pending)%4
		}

		d.commitLocked(append(d.pending, make([]byte, pad)...))
		d.pending = nil
	}

	d.regs[goetr.RegFFCR] &^= goetr.FfcrFlushManual

	if d.regs[goetr.RegFFCR]&goetr.FfcrStopOnFlush != 0 && d.capturing {
		d.stopped = true
		d.notReadyReads = d.ReadyDelay
	}
}

// Inject feeds trace bytes into the formatter.
func (d *Device) Inject(data []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.capturing || d.stopped {
		return 0, ErrNotCapturing
	}

	if d.setupErr != nil {
		return 0, d.setupErr
	}

	d.pending = append(d.pending, data...)

	full := len(d.pending) / FrameSize * FrameSize
	if full > 0 {
		d.commitLocked(d.pending[:full])
		d.pending = append([]byte(nil), d.pending[full:]...)
	}

	return len(data), nil
}

// Trigger raises the trigger event.
func (d *Device) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.triggered = true
}

func (d *Device) commitLocked(data []byte) {
	if len(data) == 0 {
		return
	}

	if d.configType == goetr.ConfigTypeETR {
		d.commitSystemMemoryLocked(data)
		return
	}

	switch goetr.Mode(d.regs[goetr.RegMODE]) {
	case goetr.ModeHardwareFIFO:
		d.linkOut.Write(data)
	default:
		d.commitRamLocked(data)
	}
}

func (d *Device) commitSystemMemoryLocked(data []byte) {
	if d.size == 0 {
		return
	}

	for len(data) > 0 {
		chunk := d.size - d.writeOffset
		if d.blocks != nil {
			chunk = d.blockSize - d.writeOffset%d.blockSize
		}
		if chunk > len(data) {
			chunk = len(data)
		}

		if err := d.mem.WritePhys(d.addrLocked(d.writeOffset), data[:chunk]); err != nil {
			d.setupErr = err
			return
		}

		data = data[chunk:]
		d.writeOffset += chunk

		if d.writeOffset == d.size {
			d.writeOffset = 0
			d.wrapped = true
		}
	}
}

// commitRamLocked stores into the internal ram. The circular buffer
// overwrites the oldest data, the software fifo drops what does not fit.
func (d *Device) commitRamLocked(data []byte) {
	size := len(d.ram)

	if size == 0 {
		return
	}

	circular := goetr.Mode(d.regs[goetr.RegMODE]) == goetr.ModeCircularBuffer

	for _, b := range data {
		if d.ramCount == size {
			if !circular {
				return
			}
			d.ramRd = (d.ramRd + 1) % size
			d.ramCount--
			d.ramFull = true
		}

		d.ram[(d.ramRd+d.ramCount)%size] = b
		d.ramCount++
	}
}

func (d *Device) popWordLocked() uint32 {
	if d.ramCount < 4 {
		return goetr.RrdEmptyMarker
	}

	size := len(d.ram)
	word := make([]byte, 4)

	for i := range word {
		word[i] = d.ram[d.ramRd]
		d.ramRd = (d.ramRd + 1) % size
	}

	d.ramCount -= 4

	return goetr.WordLE(word)
}

// Reg returns a register value without read side effects.
func (d *Device) Reg(reg goetr.Register) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.regs[reg]
}

// Writes returns a copy of the register write log.
func (d *Device) Writes() []RegWrite {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]RegWrite(nil), d.writes...)
}

func (d *Device) ResetWrites() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.writes = nil
}

func (d *Device) Capturing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.capturing && !d.stopped
}

// SetupErr reports a failure to follow the buffer description.
func (d *Device) SetupErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.setupErr
}

// LinkOutput returns what an ETF in hardware fifo mode passed on.
func (d *Device) LinkOutput() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]byte(nil), d.linkOut.Bytes()...)
}
