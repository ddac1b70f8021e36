// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goetr

// Register is the byte offset of a TMC register inside the device frame.
type Register uint32

// tmc register map
const (
	RegRSZ       Register = 0x004 // ram size (words)
	RegSTS       Register = 0x00c // status
	RegRRD       Register = 0x010 // ram read data
	RegRRP       Register = 0x014 // ram read pointer
	RegRWP       Register = 0x018 // ram write pointer
	RegTRG       Register = 0x01c // trigger counter
	RegCTL       Register = 0x020 // control
	RegRWD       Register = 0x024 // ram write data
	RegMODE      Register = 0x028
	RegLBUFLEVEL Register = 0x02c // latched buffer fill level
	RegCBUFLEVEL Register = 0x030 // current buffer fill level
	RegBUFWM     Register = 0x034 // buffer level water mark
	RegRRPHI     Register = 0x038
	RegRWPHI     Register = 0x03c
	RegAXICTL    Register = 0x110
	RegDBALO     Register = 0x118 // data buffer address low
	RegDBAHI     Register = 0x11c
	RegFFSR      Register = 0x300 // formatter and flush status
	RegFFCR      Register = 0x304 // formatter and flush control
	RegPSCR      Register = 0x308 // periodic synchronization counter
)

var registerNames = map[Register]string{
	RegRSZ:       "RSZ",
	RegSTS:       "STS",
	RegRRD:       "RRD",
	RegRRP:       "RRP",
	RegRWP:       "RWP",
	RegTRG:       "TRG",
	RegCTL:       "CTL",
	RegRWD:       "RWD",
	RegMODE:      "MODE",
	RegLBUFLEVEL: "LBUFLEVEL",
	RegCBUFLEVEL: "CBUFLEVEL",
	RegBUFWM:     "BUFWM",
	RegRRPHI:     "RRPHI",
	RegRWPHI:     "RWPHI",
	RegAXICTL:    "AXICTL",
	RegDBALO:     "DBALO",
	RegDBAHI:     "DBAHI",
	RegFFSR:      "FFSR",
	RegFFCR:      "FFCR",
	RegPSCR:      "PSCR",
}

func (r Register) String() string {
	if name, ok := registerNames[r]; ok {
		return name
	}
	return "UNKNOWN"
}

// CTL
const (
	CtlCaptureEnable = 1 << 0
)

// STS
const (
	StsFull      = 1 << 0
	StsTriggered = 1 << 1
	StsTmcReady  = 1 << 2
	StsEmpty     = 1 << 4
)

// AXICTL
const (
	AxiCtlProtCtlB0  = 1 << 0
	AxiCtlProtCtlB1  = 1 << 1
	AxiCtlCacheCtlB0 = 1 << 2
	AxiCtlCacheCtlB1 = 1 << 3
	AxiCtlScatterGat = 1 << 7
	AxiCtlWrBurst16  = 0xF00

	axiCtlClearMask = AxiCtlProtCtlB0 | AxiCtlProtCtlB1 | AxiCtlCacheCtlB0 |
		AxiCtlCacheCtlB1 | AxiCtlScatterGat | AxiCtlWrBurst16
)

// FFSR
const (
	FfsrFlushInProgress = 1 << 0
	FfsrFormatterStop   = 1 << 1
)

// FFCR
const (
	FfcrEnableFormatter  = 1 << 0
	FfcrEnableTrigInsert = 1 << 1
	FfcrFlushOnFlushIn   = 1 << 4
	FfcrFlushOnTrigEvent = 1 << 5
	FfcrFlushManual      = 1 << 6
	FfcrTrigOnTrigIn     = 1 << 8
	FfcrStopOnFlush      = 1 << 12
)

// RRD returns this pattern once the internal ram has been drained
const RrdEmptyMarker = 0xFFFFFFFF

// scatter-gather layout
const (
	PageShift = 12
	PageSize  = 1 << PageShift

	sgEntrySize      = 4
	sgEntriesPerPage = PageSize / sgEntrySize

	sgEntryTypeMask = 0xF
)

// SgEntryType is the 4 bit type tag of a scatter-gather descriptor entry.
type SgEntryType uint32

const (
	SgEntryLast      SgEntryType = 0x1
	SgEntryData      SgEntryType = 0x2
	SgEntryNextTable SgEntryType = 0x3
)

func (t SgEntryType) String() string {
	switch t {
	case SgEntryLast:
		return "last"
	case SgEntryData:
		return "data"
	case SgEntryNextTable:
		return "next-table"
	default:
		return "invalid"
	}
}

// streaming pipe layout
const (
	PipeIndex = 0
	PipeCount = 2
)

// protocol timing
const (
	maximumPollRetries = 8
	defaultPollTimeout = 100 // ms
)

// Mode is the capture mode of the trace memory controller.
type Mode uint8

const (
	ModeCircularBuffer Mode = 0
	ModeSoftwareFIFO   Mode = 1
	ModeHardwareFIFO   Mode = 2
)

func (m Mode) String() string {
	switch m {
	case ModeCircularBuffer:
		return "circular-buffer"
	case ModeSoftwareFIFO:
		return "software-fifo"
	case ModeHardwareFIFO:
		return "hardware-fifo"
	default:
		return "unknown"
	}
}

// ParseMode converts the textual representation used in configuration.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "circular-buffer":
		return ModeCircularBuffer, nil
	case "software-fifo":
		return ModeSoftwareFIFO, nil
	case "hardware-fifo":
		return ModeHardwareFIFO, nil
	default:
		return ModeCircularBuffer, newEtrError(ErrorInvalidArgument, "unknown mode '%s'", s)
	}
}

// ConfigType is the hardware variant of the trace memory controller.
type ConfigType uint8

const (
	ConfigTypeETB ConfigType = 0 // buffer only sink
	ConfigTypeETR ConfigType = 1 // router to system memory or external sink
	ConfigTypeETF ConfigType = 2 // fifo / funnel
)

func (c ConfigType) String() string {
	switch c {
	case ConfigTypeETB:
		return "etb"
	case ConfigTypeETR:
		return "etr"
	case ConfigTypeETF:
		return "etf"
	default:
		return "unknown"
	}
}

func ParseConfigType(s string) (ConfigType, error) {
	switch s {
	case "etb":
		return ConfigTypeETB, nil
	case "etr":
		return ConfigTypeETR, nil
	case "etf":
		return ConfigTypeETF, nil
	default:
		return ConfigTypeETR, newEtrError(ErrorInvalidArgument, "unknown device variant '%s'", s)
	}
}

// MemWidth is the width of the memory interface data bus in 32 bit words.
type MemWidth uint8

const (
	MemWidth32Bits  MemWidth = 1
	MemWidth64Bits  MemWidth = 2
	MemWidth128Bits MemWidth = 4
	MemWidth256Bits MemWidth = 8
)

// Bytes returns the bus width in bytes.
func (w MemWidth) Bytes() uint32 {
	return uint32(w) * 4
}

// MemType selects the ETR buffer allocation strategy.
type MemType uint8

const (
	MemTypeContig MemType = 0
	MemTypeSG     MemType = 1
)

func (m MemType) String() string {
	switch m {
	case MemTypeContig:
		return "contig"
	case MemTypeSG:
		return "sg"
	default:
		return "unknown"
	}
}

// ParseMemType converts the textual representation used in configuration.
func ParseMemType(s string) (MemType, error) {
	switch s {
	case "contig":
		return MemTypeContig, nil
	case "sg":
		return MemTypeSG, nil
	default:
		return MemTypeContig, newEtrError(ErrorInvalidArgument, "unknown memory type '%s'", s)
	}
}

// OutMode selects where the ETR sends captured data.
type OutMode uint8

const (
	OutModeNone OutMode = 0
	OutModeMem  OutMode = 1
	OutModeUSB  OutMode = 2
)

func (o OutMode) String() string {
	switch o {
	case OutModeNone:
		return "none"
	case OutModeMem:
		return "mem"
	case OutModeUSB:
		return "usb"
	default:
		return "unknown"
	}
}

// ParseOutMode converts the textual representation used in configuration.
func ParseOutMode(s string) (OutMode, error) {
	switch s {
	case "none":
		return OutModeNone, nil
	case "mem":
		return OutModeMem, nil
	case "usb":
		return OutModeUSB, nil
	default:
		return OutModeNone, newEtrError(ErrorInvalidArgument, "unknown out mode '%s'", s)
	}
}

// State is the position of a controller in the enable/flush protocol.
type State int32

const (
	StateDisabled  State = 0
	StatePreparing State = 1
	StateEnabled   State = 2
	StateFlushing  State = 3
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StatePreparing:
		return "preparing"
	case StateEnabled:
		return "enabled"
	case StateFlushing:
		return "flushing"
	default:
		return "unknown"
	}
}
