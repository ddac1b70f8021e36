// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goetr

import (
	"github.com/sirupsen/logrus"
)

// RegisterAccess is the raw register window of one TMC block.
//
// Implementations perform the access directly; there are no retries at this
// layer. Accesses are not idempotent in general: reading RRD advances the
// internal read pointer of the trace ram.
type RegisterAccess interface {
	Read(reg Register) uint32
	Write(reg Register, value uint32)
}

// tmcRegs is the typed view on the register window used by the protocol
type tmcRegs struct {
	io RegisterAccess
}

func (r tmcRegs) status() uint32 {
	return r.io.Read(RegSTS)
}

func (r tmcRegs) isReady() bool {
	return r.status()&StsTmcReady != 0
}

func (r tmcRegs) isFull() bool {
	return r.status()&StsFull != 0
}

func (r tmcRegs) setCaptureEnable(enabled bool) {
	if enabled {
		r.io.Write(RegCTL, CtlCaptureEnable)
	} else {
		r.io.Write(RegCTL, 0)
	}
}

func (r tmcRegs) captureEnabled() bool {
	return r.io.Read(RegCTL)&CtlCaptureEnable != 0
}

func (r tmcRegs) setMode(mode Mode) {
	r.io.Write(RegMODE, uint32(mode))
}

// setRamSize programs the buffer size in 32 bit words
func (r tmcRegs) setRamSize(sizeBytes uint32) {
	r.io.Write(RegRSZ, sizeBytes/4)
}

func (r tmcRegs) ramSize() uint32 {
	return r.io.Read(RegRSZ) * 4
}

func (r tmcRegs) setTriggerCounter(words uint32) {
	r.io.Write(RegTRG, words)
}

func (r tmcRegs) setDataBufferAddress(addr uint64) {
	r.io.Write(RegDBALO, uint32(addr))
	r.io.Write(RegDBAHI, uint32(addr>>32))
}

func (r tmcRegs) setReadPointer(addr uint64) {
	r.io.Write(RegRRP, uint32(addr))
	r.io.Write(RegRRPHI, uint32(addr>>32))
}

func (r tmcRegs) setWritePointer(addr uint64) {
	r.io.Write(RegRWP, uint32(addr))
	r.io.Write(RegRWPHI, uint32(addr>>32))
}

func (r tmcRegs) writePointer() uint64 {
	return uint64(r.io.Read(RegRWP)) | uint64(r.io.Read(RegRWPHI))<<32
}

// setAxiControl programs a 16 beat write burst with the privileged and
// non-secure protection bits, selecting scatter-gather when requested
func (r tmcRegs) setAxiControl(scatterGather bool) {
	axictl := r.io.Read(RegAXICTL)
	axictl &^= axiCtlClearMask
	axictl |= AxiCtlWrBurst16 | AxiCtlProtCtlB1

	if scatterGather {
		axictl |= AxiCtlScatterGat
	}

	r.io.Write(RegAXICTL, axictl)
}

func (r tmcRegs) setFormatterControl(value uint32) {
	r.io.Write(RegFFCR, value)
}

func (r tmcRegs) formatterControl() uint32 {
	return r.io.Read(RegFFCR)
}

// requestManualFlush sets stop-on-flush first so the formatter deasserts
// capture on its own once the flush completed
func (r tmcRegs) requestManualFlush() {
	ffcr := r.formatterControl()
	ffcr |= FfcrStopOnFlush
	r.io.Write(RegFFCR, ffcr)

	ffcr |= FfcrFlushManual
	r.io.Write(RegFFCR, ffcr)
}

func (r tmcRegs) flushInProgress() bool {
	return r.io.Read(RegFFCR)&FfcrFlushManual != 0
}

func (r tmcRegs) readData() uint32 {
	return r.io.Read(RegRRD)
}

func (r tmcRegs) bufferLevel() uint32 {
	return r.io.Read(RegCBUFLEVEL)
}

// dump logs every named register, used when ForceRegDump is set or a
// protocol step failed
func (r tmcRegs) dump(name string, level logrus.Level) {
	fields := logrus.Fields{"device": name}

	for _, reg := range []Register{RegRSZ, RegSTS, RegRRP, RegRWP, RegTRG, RegCTL, RegMODE,
		RegCBUFLEVEL, RegRRPHI, RegRWPHI, RegAXICTL, RegDBALO, RegDBAHI, RegFFSR, RegFFCR} {

		fields[reg.String()] = r.io.Read(reg)
	}

	logger.WithFields(fields).Log(level, "tmc register dump")
}
