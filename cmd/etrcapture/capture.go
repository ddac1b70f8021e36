// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/bbnote/goetr"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var captureCmd = &cobra.Command{
	Use:   "capture [output file]",
	Short: "Capture into the trace buffer and store it.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCapture,
}

func init() {
	captureCmd.Flags().String("mode", "circular-buffer", "Capture mode: circular-buffer, software-fifo or hardware-fifo")
	captureCmd.Flags().Duration("duration", 2*time.Second, "Capture duration, 0 runs until interrupted")
	captureCmd.Flags().Int("rate", 256*1024, "Generated trace bytes per second")
	captureCmd.Flags().Int("bytes", 0, "Stop after this many generated bytes")
}

func runCapture(cmd *cobra.Command, args []string) error {
	modeName, _ := cmd.Flags().GetString("mode")
	duration, _ := cmd.Flags().GetDuration("duration")
	rate, _ := cmd.Flags().GetInt("rate")
	limit, _ := cmd.Flags().GetInt("bytes")

	mode, err := goetr.ParseMode(modeName)
	if err != nil {
		return err
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

	t, err := newTarget(mode)
	if err != nil {
		return err
	}
	defer t.close()

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
		return t.generate(gctx, rate, limit)
	})

	if mode == goetr.ModeSoftwareFIFO {
		g.Go(func() error {
			return drainLoop(gctx, t.ctrl, output)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error(err)
	}

	if err := t.ctrl.Disable(); err != nil {
		return err
	}

	if mode != goetr.ModeCircularBuffer {
		return nil
	}

	return dumpCapture(t.ctrl, output)
}

func drainLoop(ctx context.Context, ctrl *goetr.Controller, output io.Writer) error {
	buf := make([]byte, 4096)

	for {
		n, err := ctrl.Drain(buf)
		if err != nil {
			return err
		}

		if n > 0 {
			if _, err := output.Write(buf[:n]); err != nil {
				return err
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func dumpCapture(ctrl *goetr.Controller, output io.Writer) error {
	if err := ctrl.ReadPrepare(); err != nil {
		return err
	}

	n, err := io.Copy(output, ctrl.NewReader())

	if uerr := ctrl.ReadUnprepare(); uerr != nil && err == nil {
		err = uerr
	}

	logger.Infof("stored %d bytes of trace data", n)

	return err
}
