// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goetr

import (
	"sort"
)

// DeviceProfile holds the synthesis parameters of a known trace memory
// controller instance.
type DeviceProfile struct {
	ConfigType ConfigType
	MemWidth   MemWidth
	RamSize    int // internal ram of ETB/ETF, default buffer of ETR
	MemType    MemType
}

var knownDevices = map[string]DeviceProfile{
	"juno-etr":     {ConfigTypeETR, MemWidth64Bits, 1024 * 1024, MemTypeContig},
	"juno-etf":     {ConfigTypeETF, MemWidth64Bits, 64 * 1024, MemTypeContig},
	"msm8996-etr":  {ConfigTypeETR, MemWidth64Bits, 1024 * 1024, MemTypeSG},
	"msm8996-etf":  {ConfigTypeETF, MemWidth64Bits, 64 * 1024, MemTypeContig},
	"sdm845-etr":   {ConfigTypeETR, MemWidth128Bits, 4 * 1024 * 1024, MemTypeSG},
	"hikey-etb":    {ConfigTypeETB, MemWidth32Bits, 16 * 1024, MemTypeContig},
	"vexpress-etb": {ConfigTypeETB, MemWidth32Bits, 8 * 1024, MemTypeContig},
}

func GetDeviceProfile(name string) *DeviceProfile {
	if val, ok := knownDevices[name]; ok {
		return &val
	} else {
		return nil
	}
}

func DeviceProfileNames() []string {
	names := make([]string, 0, len(knownDevices))

	for name := range knownDevices {
		names = append(names, name)
	}

	sort.Strings(names)
	return names
}

// Config returns a controller configuration for the profile.
func (p *DeviceProfile) Config(name string) *Config {
	config := NewConfig(name, p.ConfigType, p.MemType, p.RamSize)
	config.MemWidth = p.MemWidth

	return config
}
