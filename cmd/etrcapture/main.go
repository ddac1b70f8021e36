// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/bbnote/goetr"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

var (
	logger *logrus.Logger

	flagLogLevel   int
	flagDevice     string
	flagBufferSize int
	flagMemType    string
	flagBlockSize  int
	flagTrigger    uint32
	flagRegDump    bool
)

var rootCmd = &cobra.Command{
	Use:   "etrcapture",
	Short: "Capture CoreSight trace through a simulated trace memory controller.",
	Long: `etrcapture drives an ETB, ETR or ETF through its enable, flush and ` +
		`read sequences and stores the captured trace, or streams it to a USB ` +
		`device. Defaults are taken from the environment (ETR_*) and a .env file.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.SetLevel(logrus.Level(flagLogLevel))
	},
}

func initLogger() {
	formatter := &prefixed.TextFormatter{
		DisableColors:   false,
		TimestampFormat: "15:04:05",
		FullTimestamp:   true,
		ForceFormatting: true,
	}

	logger = logrus.New()

	logger.SetFormatter(formatter)
	logger.SetOutput(os.Stderr)
}

func envString(key string, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.ParseInt(v, 0, 64); err == nil {
			return int(i)
		}
		logger.Warnf("ignoring invalid %s='%s'", key, v)
	}
	return fallback
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-signals:
			logger.Info("signal received, stopping...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()

	return ctx, cancel
}

func main() {
	initLogger()
	goetr.SetLogger(logger)

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warnf("could not load .env: %v", err)
	}

	flags := rootCmd.PersistentFlags()
	flags.IntVar(&flagLogLevel, "log-level", envInt("ETR_LOG_LEVEL", int(logrus.InfoLevel)), "Logging verbosity [0 - 6]")
	flags.StringVar(&flagDevice, "device", envString("ETR_DEVICE", "juno-etr"), "Device profile")
	flags.IntVar(&flagBufferSize, "buffer-size", envInt("ETR_BUFFER_SIZE", 0), "Trace buffer size in bytes, 0 uses the profile")
	flags.StringVar(&flagMemType, "mem-type", envString("ETR_MEM_TYPE", ""), "ETR buffer allocation: contig or sg, empty uses the profile")
	flags.IntVar(&flagBlockSize, "block-size", envInt("ETR_BLOCK_SIZE", goetr.DefaultBlockSize), "Scatter-gather block size")
	flags.Uint32Var(&flagTrigger, "trigger-counter", uint32(envInt("ETR_TRIGGER_COUNTER", 0)), "Words captured after a trigger")
	flags.BoolVar(&flagRegDump, "reg-dump", false, "Dump registers after every protocol step")

	rootCmd.AddCommand(captureCmd, streamCmd, devicesCmd)

	if err := rootCmd.Execute(); err != nil {
		logger.Error(err)
		os.Exit(1)
	}
}
