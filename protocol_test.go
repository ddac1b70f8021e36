// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goetr_test

import (
	"errors"
	"io"

	"github.com/bbnote/goetr"
	"github.com/bbnote/goetr/hwsim"
	"github.com/google/go-cmp/cmp"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"
)

var _ = Describe("ETR capture", func() {
	var t *simTarget

	Context("with a contiguous buffer", func() {
		BeforeEach(func() {
			t = newEtrTarget(goetr.MemTypeContig, 16*1024)
		})

		AfterEach(func() {
			Expect(t.ctrl.Close()).To(Succeed())
		})

		It("should program the buffer before setting capture enable", func() {
			Expect(t.ctrl.Enable()).To(Succeed())
			Expect(t.ctrl.State()).To(Equal(goetr.StateEnabled))
			Expect(t.dev.Capturing()).To(BeTrue())

			buf := t.ctrl.Buffer()
			writes := t.dev.Writes()
			last := writes[len(writes)-1]

			Expect(last).To(Equal(hwsim.RegWrite{Reg: goetr.RegCTL, Value: goetr.CtlCaptureEnable}))
			Expect(t.dev.Reg(goetr.RegRSZ)).To(Equal(uint32(16 * 1024 / 4)))
			Expect(t.dev.Reg(goetr.RegDBALO)).To(Equal(uint32(buf.BaseAddr())))
			Expect(t.dev.Reg(goetr.RegAXICTL) & goetr.AxiCtlScatterGat).To(BeZero())
			Expect(t.dev.Reg(goetr.RegMODE)).To(Equal(uint32(goetr.ModeCircularBuffer)))
		})

		It("should capture nothing when stopped right away", func() {
			Expect(t.ctrl.Enable()).To(Succeed())
			Expect(t.ctrl.FlushAndStop()).To(Succeed())

			Expect(t.ctrl.Len()).To(BeZero())
			Expect(t.ctrl.State()).To(Equal(goetr.StateDisabled))
			Expect(t.dev.Reg(goetr.RegCTL)).To(BeZero())
		})

		It("should read back what was captured", func() {
			data := pattern(1000, 3)

			Expect(t.ctrl.Enable()).To(Succeed())
			Expect(t.dev.Inject(data)).To(Equal(len(data)))
			Expect(t.ctrl.Disable()).To(Succeed())

			Expect(t.ctrl.Len()).To(Equal(len(data)))
			Expect(cmp.Diff(data, readAll(t.ctrl))).To(BeEmpty())
		})

		It("should start reading at the oldest byte after a wrap", func() {
			data := pattern(16*1024+1000, 5)

			Expect(t.ctrl.Enable()).To(Succeed())
			Expect(t.dev.Inject(data)).To(Equal(len(data)))
			Expect(t.ctrl.Disable()).To(Succeed())

			Expect(t.ctrl.Len()).To(Equal(16 * 1024))
			Expect(cmp.Diff(data[1000:], readAll(t.ctrl))).To(BeEmpty())
		})

		It("should end reads with io.EOF", func() {
			Expect(t.ctrl.Enable()).To(Succeed())
			t.dev.Inject(pattern(64, 0))
			Expect(t.ctrl.Disable()).To(Succeed())

			Expect(t.ctrl.ReadPrepare()).To(Succeed())

			_, err := t.ctrl.Read(64, 10)
			Expect(err).To(Equal(io.EOF))

			p := make([]byte, 100)
			n, err := t.ctrl.ReadAt(p, 0)
			Expect(n).To(Equal(64))
			Expect(err).To(Equal(io.EOF))

			Expect(t.ctrl.ReadUnprepare()).To(Succeed())
		})

		It("should allow a single reader only", func() {
			Expect(t.ctrl.Enable()).To(Succeed())
			Expect(t.ctrl.Disable()).To(Succeed())

			Expect(t.ctrl.ReadPrepare()).To(Succeed())
			Expect(goetr.IsCode(t.ctrl.ReadPrepare(), goetr.ErrorBusy)).To(BeTrue())
			Expect(goetr.IsCode(t.ctrl.Enable(), goetr.ErrorBusy)).To(BeTrue())
			Expect(t.ctrl.ReadUnprepare()).To(Succeed())
		})

		It("should refuse to read before anything was captured", func() {
			Expect(goetr.IsCode(t.ctrl.ReadPrepare(), goetr.ErrorNoData)).To(BeTrue())

			_, err := t.ctrl.Read(0, 10)
			Expect(goetr.IsCode(err, goetr.ErrorInvalidArgument)).To(BeTrue())
		})

		It("should stop a running capture for reading and restart it afterwards", func() {
			data := pattern(256, 9)

			Expect(t.ctrl.Enable()).To(Succeed())
			t.dev.Inject(data)

			Expect(t.ctrl.ReadPrepare()).To(Succeed())
			Expect(t.ctrl.Enabled()).To(BeFalse())
			Expect(t.dev.Capturing()).To(BeFalse())

			got := make([]byte, t.ctrl.Len())
			_, err := t.ctrl.ReadAt(got, 0)
			Expect(err).ToNot(HaveOccurred())
			Expect(cmp.Diff(data, got)).To(BeEmpty())

			Expect(t.ctrl.ReadUnprepare()).To(Succeed())
			Expect(t.ctrl.Enabled()).To(BeTrue())
			Expect(t.ctrl.State()).To(Equal(goetr.StateEnabled))
			Expect(t.dev.Capturing()).To(BeTrue())
		})

		It("should not restart a capture disabled while reading", func() {
			Expect(t.ctrl.Enable()).To(Succeed())
			Expect(t.ctrl.ReadPrepare()).To(Succeed())
			Expect(t.ctrl.Disable()).To(Succeed())
			Expect(t.ctrl.ReadUnprepare()).To(Succeed())

			Expect(t.ctrl.Enabled()).To(BeFalse())
			Expect(t.dev.Capturing()).To(BeFalse())
		})

		It("should capture without a sink and drop the data", func() {
			Expect(t.ctrl.SetOutput(goetr.OutModeNone)).To(Succeed())
			Expect(t.ctrl.Enable()).To(Succeed())

			Expect(t.dev.Capturing()).To(BeTrue())
			Expect(t.dev.Reg(goetr.RegRSZ)).To(BeZero())

			t.dev.Inject(pattern(64, 0))
			Expect(t.ctrl.Disable()).To(Succeed())

			Expect(t.ctrl.Len()).To(BeZero())
			Expect(t.ctrl.Buffer()).To(BeNil())
			Expect(goetr.IsCode(t.ctrl.ReadPrepare(), goetr.ErrorInvalidCombination)).To(BeTrue())
		})

		It("should reject a flush while disabled", func() {
			Expect(goetr.IsCode(t.ctrl.FlushAndStop(), goetr.ErrorBusy)).To(BeTrue())
		})

		It("should reject a second enable", func() {
			Expect(t.ctrl.Enable()).To(Succeed())
			Expect(goetr.IsCode(t.ctrl.Enable(), goetr.ErrorBusy)).To(BeTrue())
		})

		It("should reject buffer sizes not aligned to the memory width", func() {
			err := t.ctrl.SetBufferSize(16*1024 + 4)
			Expect(goetr.IsCode(err, goetr.ErrorInvalidArgument)).To(BeTrue())
		})

		It("should reallocate when the buffer size changed", func() {
			Expect(t.ctrl.Enable()).To(Succeed())
			Expect(t.ctrl.Disable()).To(Succeed())
			Expect(t.ctrl.SetBufferSize(32 * 1024)).To(Succeed())
			Expect(t.ctrl.Enable()).To(Succeed())

			Expect(t.ctrl.Buffer().Size()).To(Equal(32 * 1024))
			Expect(t.dev.Reg(goetr.RegRSZ)).To(Equal(uint32(32 * 1024 / 4)))
		})

		It("should program the trigger counter", func() {
			Expect(t.ctrl.SetTriggerCounter(0x40)).To(Succeed())
			Expect(t.ctrl.Enable()).To(Succeed())
			Expect(t.dev.Reg(goetr.RegTRG)).To(Equal(uint32(0x40)))
			Expect(goetr.IsCode(t.ctrl.SetTriggerCounter(1), goetr.ErrorBusy)).To(BeTrue())
		})

		It("should record the write pointer when disabled without a flush", func() {
			Expect(t.ctrl.Enable()).To(Succeed())
			t.dev.Inject(pattern(40, 1))

			Expect(t.ctrl.DisableHW()).To(Succeed())
			Expect(t.ctrl.State()).To(Equal(goetr.StateDisabled))
			Expect(t.ctrl.Len()).To(Equal(32))
		})
	})

	Context("with a scatter-gather buffer", func() {
		BeforeEach(func() {
			t = newEtrTarget(goetr.MemTypeSG, 4*goetr.PageSize)
		})

		AfterEach(func() {
			Expect(t.ctrl.Close()).To(Succeed())
		})

		It("should point the hardware at the first table page", func() {
			Expect(t.ctrl.Enable()).To(Succeed())

			buf := t.ctrl.Buffer()
			Expect(buf.BlockCount()).To(Equal(4))
			Expect(t.dev.Reg(goetr.RegDBALO)).To(Equal(uint32(buf.BaseAddr())))
			Expect(t.dev.Reg(goetr.RegRWP)).To(Equal(uint32(buf.StartAddr())))
			Expect(t.dev.Reg(goetr.RegAXICTL) & goetr.AxiCtlScatterGat).ToNot(BeZero())
			Expect(t.dev.SetupErr()).ToNot(HaveOccurred())
		})

		It("should read back what was captured across blocks", func() {
			data := pattern(3*goetr.PageSize+123, 7)

			Expect(t.ctrl.Enable()).To(Succeed())
			Expect(t.dev.Inject(data)).To(Equal(len(data)))
			Expect(t.ctrl.Disable()).To(Succeed())

			Expect(t.ctrl.Len()).To(Equal(len(data)))
			Expect(cmp.Diff(data, readAll(t.ctrl))).To(BeEmpty())
		})

		It("should hand out windows that stay inside one block", func() {
			Expect(t.ctrl.Enable()).To(Succeed())
			t.dev.Inject(pattern(3*goetr.PageSize, 0))
			Expect(t.ctrl.Disable()).To(Succeed())

			Expect(t.ctrl.ReadPrepare()).To(Succeed())
			window, err := t.ctrl.Read(goetr.PageSize-10, 100)
			Expect(err).ToNot(HaveOccurred())
			Expect(window).To(HaveLen(10))
			Expect(t.ctrl.ReadUnprepare()).To(Succeed())
		})

		It("should start reading at the oldest byte after a wrap", func() {
			data := pattern(4*goetr.PageSize+1000, 11)

			Expect(t.ctrl.Enable()).To(Succeed())
			Expect(t.dev.Inject(data)).To(Equal(len(data)))
			Expect(t.ctrl.Disable()).To(Succeed())

			Expect(t.ctrl.Len()).To(Equal(4 * goetr.PageSize))
			Expect(cmp.Diff(data[1000:], readAll(t.ctrl))).To(BeEmpty())
		})

		It("should switch strategies between captures", func() {
			Expect(t.ctrl.SetMemType(goetr.MemTypeContig)).To(Succeed())
			Expect(t.ctrl.Enable()).To(Succeed())

			Expect(t.ctrl.Buffer().MemType()).To(Equal(goetr.MemTypeContig))
			Expect(goetr.IsCode(t.ctrl.SetMemType(goetr.MemTypeSG), goetr.ErrorBusy)).To(BeTrue())
		})
	})

	Context("when the hardware does not respond", func() {
		BeforeEach(func() {
			t = newEtrTarget(goetr.MemTypeContig, 8*1024)
		})

		It("should time out on enable and stay disabled", func() {
			t.dev.StuckNotReady = true

			err := t.ctrl.Enable()

			Expect(goetr.IsCode(err, goetr.ErrorHardwareTimeout)).To(BeTrue())
			Expect(t.ctrl.State()).To(Equal(goetr.StateDisabled))
			Expect(t.ctrl.Enabled()).To(BeFalse())
			Expect(t.dev.Capturing()).To(BeFalse())
		})

		It("should force capture off when the flush never completes", func() {
			Expect(t.ctrl.Enable()).To(Succeed())
			t.dev.Inject(pattern(100, 0))
			t.dev.StuckFlush = true

			err := t.ctrl.Disable()

			Expect(goetr.IsCode(err, goetr.ErrorHardwareTimeout)).To(BeTrue())
			Expect(t.ctrl.State()).To(Equal(goetr.StateDisabled))
			Expect(t.ctrl.Enabled()).To(BeFalse())
			Expect(t.dev.Reg(goetr.RegCTL) & goetr.CtlCaptureEnable).To(BeZero())
			Expect(t.ctrl.Len()).To(BeZero())
		})

		It("should wait for a slow flush", func() {
			t.dev.FlushDelay = 3
			t.dev.ReadyDelay = 2

			Expect(t.ctrl.Enable()).To(Succeed())
			t.dev.Inject(pattern(20, 0))
			Expect(t.ctrl.Disable()).To(Succeed())
			Expect(t.ctrl.Len()).To(Equal(20))
		})
	})

	Context("with a cross trigger", func() {
		var (
			mockCtrl *gomock.Controller
			cti      *MockCrossTrigger
		)

		BeforeEach(func() {
			mockCtrl = gomock.NewController(GinkgoT())
			cti = NewMockCrossTrigger(mockCtrl)
			t = newEtrTarget(goetr.MemTypeContig, 8*1024)
			t.ctrl.AttachCrossTrigger(cti)
		})

		AfterEach(func() {
			mockCtrl.Finish()
		})

		It("should reset on enable and flush on stop", func() {
			gomock.InOrder(
				cti.EXPECT().RequestReset().Return(nil),
				cti.EXPECT().RequestFlush().Return(nil),
			)

			Expect(t.ctrl.Enable()).To(Succeed())
			Expect(t.ctrl.Disable()).To(Succeed())
		})

		It("should turn readers away while a flush is running", func() {
			entered := make(chan struct{})
			release := make(chan struct{})

			cti.EXPECT().RequestReset().Return(nil)
			cti.EXPECT().RequestFlush().DoAndReturn(func() error {
				close(entered)
				<-release
				return nil
			})

			Expect(t.ctrl.Enable()).To(Succeed())
			t.dev.Inject(pattern(32, 0))

			done := make(chan error, 1)
			go func() {
				done <- t.ctrl.Disable()
			}()

			<-entered

			Expect(t.ctrl.State()).To(Equal(goetr.StateFlushing))
			_, err := t.ctrl.Read(0, 16)
			Expect(goetr.IsCode(err, goetr.ErrorBusy)).To(BeTrue())

			close(release)

			Expect(<-done).To(Succeed())
			Expect(t.ctrl.State()).To(Equal(goetr.StateDisabled))
			Expect(t.ctrl.Len()).To(Equal(32))
		})

		It("should stop even when the cross trigger fails", func() {
			cti.EXPECT().RequestReset().Return(errors.New("cti reset failed"))
			cti.EXPECT().RequestFlush().Return(errors.New("cti flush failed"))

			Expect(t.ctrl.Enable()).To(Succeed())
			t.dev.Inject(pattern(32, 0))
			Expect(t.ctrl.Disable()).To(Succeed())
			Expect(t.ctrl.Len()).To(Equal(32))
		})
	})
})

var _ = Describe("Mode controller", func() {
	var t *simTarget

	BeforeEach(func() {
		t = newInternalTarget(goetr.ConfigTypeETF, goetr.ModeCircularBuffer, 4096)
	})

	It("should reject mode and variant changes while enabled", func() {
		Expect(t.ctrl.Enable()).To(Succeed())

		Expect(goetr.IsCode(t.ctrl.SetMode(goetr.ModeSoftwareFIFO), goetr.ErrorBusy)).To(BeTrue())
		Expect(goetr.IsCode(t.ctrl.SetConfigType(goetr.ConfigTypeETB), goetr.ErrorBusy)).To(BeTrue())

		Expect(t.ctrl.Mode()).To(Equal(goetr.ModeCircularBuffer))
		Expect(t.ctrl.ConfigType()).To(Equal(goetr.ConfigTypeETF))
		Expect(t.ctrl.State()).To(Equal(goetr.StateEnabled))
	})

	It("should derive the sink of a link from the mode", func() {
		Expect(t.ctrl.SetMode(goetr.ModeHardwareFIFO)).To(Succeed())
		Expect(t.ctrl.OutMode()).To(Equal(goetr.OutModeNone))

		Expect(t.ctrl.SetMode(goetr.ModeSoftwareFIFO)).To(Succeed())
		Expect(t.ctrl.OutMode()).To(Equal(goetr.OutModeMem))
	})

	It("should reject modes the variant does not support", func() {
		Expect(t.ctrl.SetConfigType(goetr.ConfigTypeETB)).To(Succeed())

		err := t.ctrl.SetMode(goetr.ModeSoftwareFIFO)

		Expect(goetr.IsCode(err, goetr.ErrorInvalidCombination)).To(BeTrue())
		Expect(t.ctrl.Mode()).To(Equal(goetr.ModeCircularBuffer))
	})

	It("should need system memory to become a router", func() {
		err := t.ctrl.SetConfigType(goetr.ConfigTypeETR)
		Expect(goetr.IsCode(err, goetr.ErrorInvalidCombination)).To(BeTrue())
	})

	It("should pass data on in hardware fifo mode", func() {
		Expect(t.ctrl.SetMode(goetr.ModeHardwareFIFO)).To(Succeed())
		Expect(t.ctrl.Enable()).To(Succeed())

		data := pattern(48, 2)
		t.dev.Inject(data)

		Expect(t.ctrl.Disable()).To(Succeed())
		Expect(t.dev.LinkOutput()).To(Equal(data))
		Expect(goetr.IsCode(t.ctrl.ReadPrepare(), goetr.ErrorInvalidCombination)).To(BeTrue())
	})

	It("should drain a software fifo while running", func() {
		Expect(t.ctrl.SetMode(goetr.ModeSoftwareFIFO)).To(Succeed())
		Expect(t.ctrl.Enable()).To(Succeed())

		data := pattern(64, 4)
		t.dev.Inject(data)

		p := make([]byte, 256)
		n, err := t.ctrl.Drain(p)

		Expect(err).ToNot(HaveOccurred())
		Expect(cmp.Diff(data, p[:n])).To(BeEmpty())

		n, err = t.ctrl.Drain(p)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(BeZero())
	})
})

var _ = Describe("Internal ram capture", func() {
	It("should drain an ETB through RRD", func() {
		t := newInternalTarget(goetr.ConfigTypeETB, goetr.ModeCircularBuffer, 4096)
		data := pattern(100, 6)

		Expect(t.ctrl.Enable()).To(Succeed())
		t.dev.Inject(data)
		Expect(t.ctrl.Disable()).To(Succeed())

		Expect(t.ctrl.Len()).To(Equal(100))
		Expect(cmp.Diff(data, readAll(t.ctrl))).To(BeEmpty())
	})

	It("should keep the newest data when the ram wrapped", func() {
		t := newInternalTarget(goetr.ConfigTypeETB, goetr.ModeCircularBuffer, 4096)
		data := pattern(5000, 8)

		Expect(t.ctrl.Enable()).To(Succeed())
		t.dev.Inject(data)
		Expect(t.ctrl.Disable()).To(Succeed())

		Expect(t.ctrl.Len()).To(Equal(4096))
		Expect(cmp.Diff(data[5000-4096:], readAll(t.ctrl))).To(BeEmpty())
	})

	It("should pad the last partial word", func() {
		t := newInternalTarget(goetr.ConfigTypeETF, goetr.ModeCircularBuffer, 1024)

		Expect(t.ctrl.Enable()).To(Succeed())
		t.dev.Inject([]byte{1, 2, 3, 4, 5})
		Expect(t.ctrl.Disable()).To(Succeed())

		Expect(readAll(t.ctrl)).To(Equal([]byte{1, 2, 3, 4, 5, 0, 0, 0}))
	})
})
