// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/bbnote/goetr"
	"github.com/google/gousb"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var streamCmd = &cobra.Command{
	Use:   "stream [output file]",
	Short: "Stream trace data from an ETR to a USB device or a loopback channel.",
	Long: `Without --usb the data goes to an in-memory loopback channel that ` +
		`connects after --connect-delay and is stored to the output file.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStream,
}

func init() {
	streamCmd.Flags().String("usb", "", "Target USB device as vid:pid (hex)")
	streamCmd.Flags().Int("endpoint", 1, "Bulk OUT endpoint of the USB device")
	streamCmd.Flags().Duration("duration", 2*time.Second, "Streaming duration, 0 runs until interrupted")
	streamCmd.Flags().Duration("connect-delay", 100*time.Millisecond, "Loopback host connect delay")
	streamCmd.Flags().Int("rate", 256*1024, "Generated trace bytes per second")
	streamCmd.Flags().Int("fifo-size", goetr.DefaultStreamConfig.DataFIFOSize, "Data fifo size, a power of two")
}

func parseVidPid(s string) (gousb.ID, gousb.ID, error) {
	var vid, pid uint16

	if _, err := fmt.Sscanf(s, "%x:%x", &vid, &pid); err != nil {
		return 0, 0, fmt.Errorf("invalid usb device '%s': %v", s, err)
	}

	return gousb.ID(vid), gousb.ID(pid), nil
}

func runStream(cmd *cobra.Command, args []string) error {
	usbDevice, _ := cmd.Flags().GetString("usb")
	endpoint, _ := cmd.Flags().GetInt("endpoint")
	duration, _ := cmd.Flags().GetDuration("duration")
	connectDelay, _ := cmd.Flags().GetDuration("connect-delay")
	rate, _ := cmd.Flags().GetInt("rate")
	fifoSize, _ := cmd.Flags().GetInt("fifo-size")

	t, err := newTarget(goetr.ModeCircularBuffer)
	if err != nil {
		return err
	}
	defer t.close()

	var channel goetr.StreamChannel
	var loopback *goetr.LoopbackChannel
	var usbChannel *goetr.UsbChannel

	if usbDevice != "" {
		vid, pid, err := parseVidPid(usbDevice)
		if err != nil {
			return err
		}

		if err := goetr.InitializeUSB(); err != nil {
			return err
		}
		defer goetr.CloseUSB()

		usbChannel = goetr.NewUsbChannel(vid, pid, endpoint)
		channel = usbChannel
	} else {
		loopback = goetr.NewLoopbackChannel("loopback")
		channel = loopback
	}

	streamConfig := goetr.DefaultStreamConfig
	streamConfig.DataFIFOSize = fifoSize

	adapter := goetr.NewStreamAdapter(t.mem, streamConfig)

	if err := t.ctrl.AttachStreamAdapter(adapter, channel); err != nil {
		return err
	}

	if err := t.ctrl.SetOutput(goetr.OutModeUSB); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	if duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	if err := t.ctrl.Enable(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return t.generate(gctx, rate, 0)
	})

	g.Go(func() error {
		return pumpLoop(gctx, t.ctrl, usbChannel)
	})

	if loopback != nil {
		g.Go(func() error {
			select {
			case <-gctx.Done():
			case <-time.After(connectDelay):
				loopback.Connect()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error(err)
	}

	if err := t.ctrl.Disable(); err != nil {
		logger.Error(err)
	}

	stats := adapter.Stats()
	logger.Infof("streamed %d bytes in %d descriptors, %d written to %s", stats.Pumped, stats.Descriptors,
		stats.Written, channel.Name())

	if loopback == nil {
		return nil
	}

	output := os.Stdout
	if len(args) == 1 {
		file, err := os.Create(args[0])
		if err != nil {
			return err
		}
		defer file.Close()
		output = file
	}

	_, err = output.Write(loopback.Bytes())
	return err
}

func pumpLoop(ctx context.Context, ctrl *goetr.Controller, usbChannel *goetr.UsbChannel) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if usbChannel != nil && !usbChannel.Connected() && ctrl.OutMode() == goetr.OutModeUSB {
			if _, err := usbChannel.Detect(); err != nil {
				logger.Tracef("usb detect: %v", err)
			}
		}

		if _, err := ctrl.PumpStream(); err != nil {
			logger.Warnf("pump: %v", err)
		}
	}
}
