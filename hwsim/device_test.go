// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package hwsim_test

import (
	"github.com/bbnote/goetr"
	"github.com/bbnote/goetr/hwsim"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func bytesOf(n int, seed byte) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i) + seed
	}
	return data
}

func flush(d *hwsim.Device) {
	ffcr := d.Reg(goetr.RegFFCR) | goetr.FfcrStopOnFlush
	d.Write(goetr.RegFFCR, ffcr)
	d.Write(goetr.RegFFCR, ffcr|goetr.FfcrFlushManual)
}

var _ = Describe("Simulated ETR", func() {
	var (
		mem    *goetr.SystemMemory
		dev    *hwsim.Device
		region *goetr.Region
	)

	BeforeEach(func() {
		var err error

		mem = goetr.NewSystemMemory(goetr.DefaultMemoryBase, 64*goetr.PageSize)
		dev = hwsim.New(goetr.ConfigTypeETR, mem, 0)

		region, err = mem.AllocCoherent(goetr.PageSize)
		Expect(err).ToNot(HaveOccurred())

		dev.Write(goetr.RegRSZ, goetr.PageSize/4)
		dev.Write(goetr.RegDBALO, uint32(region.PhysAddr()))
		dev.Write(goetr.RegDBAHI, uint32(region.PhysAddr()>>32))
	})

	It("should refuse data while capture is off", func() {
		_, err := dev.Inject(bytesOf(16, 0))
		Expect(err).To(MatchError(hwsim.ErrNotCapturing))
	})

	It("should report ready while idle", func() {
		Expect(dev.Read(goetr.RegSTS) & goetr.StsTmcReady).ToNot(BeZero())

		dev.Write(goetr.RegCTL, goetr.CtlCaptureEnable)
		Expect(dev.Read(goetr.RegSTS) & goetr.StsTmcReady).To(BeZero())
	})

	It("should hold partial frames until a flush", func() {
		dev.Write(goetr.RegCTL, goetr.CtlCaptureEnable)

		dev.Inject(bytesOf(20, 1))
		Expect(dev.Read(goetr.RegRWP)).To(Equal(uint32(region.PhysAddr()) + hwsim.FrameSize))

		flush(dev)

		Expect(dev.Read(goetr.RegFFCR) & goetr.FfcrFlushManual).To(BeZero())
		Expect(dev.Read(goetr.RegRWP)).To(Equal(uint32(region.PhysAddr()) + 20))
		Expect(region.Bytes()[:20]).To(Equal(bytesOf(20, 1)))
		Expect(dev.Read(goetr.RegSTS) & goetr.StsTmcReady).ToNot(BeZero())
		Expect(dev.Capturing()).To(BeFalse())
	})

	It("should keep the flush pending for the configured number of reads", func() {
		dev.FlushDelay = 2
		dev.Write(goetr.RegCTL, goetr.CtlCaptureEnable)
		flush(dev)

		Expect(dev.Read(goetr.RegFFSR) & goetr.FfsrFlushInProgress).ToNot(BeZero())
		Expect(dev.Read(goetr.RegFFCR) & goetr.FfcrFlushManual).ToNot(BeZero())
		Expect(dev.Read(goetr.RegFFCR) & goetr.FfcrFlushManual).To(BeZero())
	})

	It("should never finish a stuck flush", func() {
		dev.StuckFlush = true
		dev.Write(goetr.RegCTL, goetr.CtlCaptureEnable)
		flush(dev)

		for i := 0; i < 10; i++ {
			Expect(dev.Read(goetr.RegFFCR) & goetr.FfcrFlushManual).ToNot(BeZero())
		}
	})

	It("should wrap and raise full", func() {
		dev.Write(goetr.RegCTL, goetr.CtlCaptureEnable)

		dev.Inject(bytesOf(goetr.PageSize+32, 0))

		Expect(dev.Read(goetr.RegSTS) & goetr.StsFull).ToNot(BeZero())
		Expect(dev.Read(goetr.RegRWP)).To(Equal(uint32(region.PhysAddr()) + 32))
		Expect(dev.Read(goetr.RegCBUFLEVEL)).To(Equal(uint32(goetr.PageSize / 4)))
	})

	It("should log register writes in order", func() {
		dev.ResetWrites()
		dev.Write(goetr.RegTRG, 7)
		dev.Write(goetr.RegCTL, goetr.CtlCaptureEnable)

		Expect(dev.Writes()).To(Equal([]hwsim.RegWrite{
			{Reg: goetr.RegTRG, Value: 7},
			{Reg: goetr.RegCTL, Value: goetr.CtlCaptureEnable},
		}))
	})

	It("should fail to start on a broken scatter-gather table", func() {
		dev.Write(goetr.RegAXICTL, goetr.AxiCtlScatterGat)
		dev.Write(goetr.RegCTL, goetr.CtlCaptureEnable)

		Expect(dev.SetupErr()).To(HaveOccurred())

		_, err := dev.Inject(bytesOf(16, 0))
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Simulated ETB", func() {
	var dev *hwsim.Device

	BeforeEach(func() {
		dev = hwsim.New(goetr.ConfigTypeETB, nil, 64)
		dev.Write(goetr.RegMODE, uint32(goetr.ModeCircularBuffer))
	})

	It("should report its ram size read-only", func() {
		dev.Write(goetr.RegRSZ, 1)
		Expect(dev.Read(goetr.RegRSZ)).To(Equal(uint32(16)))
	})

	It("should drain through RRD until empty", func() {
		dev.Write(goetr.RegCTL, goetr.CtlCaptureEnable)
		dev.Inject(bytesOf(16, 5))

		Expect(dev.Read(goetr.RegSTS) & goetr.StsEmpty).To(BeZero())
		Expect(dev.Read(goetr.RegCBUFLEVEL)).To(Equal(uint32(4)))

		var words []uint32
		for dev.Read(goetr.RegSTS)&goetr.StsEmpty == 0 {
			words = append(words, dev.Read(goetr.RegRRD))
		}

		Expect(words).To(HaveLen(4))
		Expect(words[0]).To(Equal(uint32(0x08070605)))
		Expect(dev.Read(goetr.RegRRD)).To(Equal(uint32(goetr.RrdEmptyMarker)))
	})

	It("should overwrite the oldest data in circular mode", func() {
		dev.Write(goetr.RegCTL, goetr.CtlCaptureEnable)
		dev.Inject(bytesOf(80, 0))

		Expect(dev.Read(goetr.RegSTS) & goetr.StsFull).ToNot(BeZero())
		Expect(dev.Read(goetr.RegRRD)).To(Equal(uint32(0x13121110)))
	})

	It("should drop what does not fit in software fifo mode", func() {
		dev.Write(goetr.RegMODE, uint32(goetr.ModeSoftwareFIFO))
		dev.Write(goetr.RegCTL, goetr.CtlCaptureEnable)
		dev.Inject(bytesOf(80, 0))

		Expect(dev.Read(goetr.RegCBUFLEVEL)).To(Equal(uint32(16)))
		Expect(dev.Read(goetr.RegRRD)).To(Equal(uint32(0x03020100)))
	})

	It("should pad a flushed partial word", func() {
		dev.Write(goetr.RegCTL, goetr.CtlCaptureEnable)
		dev.Inject([]byte{0xaa, 0xbb})
		flush(dev)

		Expect(dev.Read(goetr.RegRRD)).To(Equal(uint32(0x0000bbaa)))
	})

	It("should pass data on in hardware fifo mode", func() {
		dev.Write(goetr.RegMODE, uint32(goetr.ModeHardwareFIFO))
		dev.Write(goetr.RegCTL, goetr.CtlCaptureEnable)
		dev.Inject(bytesOf(32, 0))

		Expect(dev.LinkOutput()).To(Equal(bytesOf(32, 0)))
		Expect(dev.Read(goetr.RegSTS) & goetr.StsEmpty).ToNot(BeZero())
	})

	It("should discard pending bytes when capture is cleared", func() {
		dev.Write(goetr.RegCTL, goetr.CtlCaptureEnable)
		dev.Inject(bytesOf(8, 0))
		dev.Write(goetr.RegCTL, 0)

		Expect(dev.Capturing()).To(BeFalse())
		Expect(dev.Read(goetr.RegCBUFLEVEL)).To(BeZero())
	})
})
