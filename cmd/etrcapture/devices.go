// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/bbnote/goetr"
	"github.com/google/gousb"
	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List the known device profiles and, optionally, attached USB devices.",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, name := range goetr.DeviceProfileNames() {
			p := goetr.GetDeviceProfile(name)
			fmt.Printf("%-14s %s  ram %7d  width %3d bit  %s\n", name, p.ConfigType, p.RamSize,
				p.MemWidth.Bytes()*8, p.MemType)
		}

		vendor, _ := cmd.Flags().GetUint16("usb-vendor")
		if vendor == 0 {
			return nil
		}

		if err := goetr.InitializeUSB(); err != nil {
			return err
		}
		defer goetr.CloseUSB()

		found, err := goetr.FindUsbDevices([]gousb.ID{gousb.ID(vendor)})

		for _, d := range found {
			fmt.Printf("usb %04x:%04x bus %03d address %03d\n", uint16(d.Vendor), uint16(d.Product), d.Bus, d.Address)
		}

		return err
	},
}

func init() {
	devicesCmd.Flags().Uint16("usb-vendor", 0, "Scan for USB devices of this vendor id")
}
