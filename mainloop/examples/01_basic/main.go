// Example: Basic Main Loop Usage
//
// This example demonstrates:
// - Creating a context with a structured logger
// - Timeout and idle sources
// - Quitting on SIGINT or SIGTERM
//
// Run with: go run ./mainloop/examples/01_basic/
package main

import (
	"context"
	"os"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-mainloop/mainloop"
)

func main() {
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(os.Stderr)),
		stumpy.L.WithLevel(logiface.LevelInformational),
	)
	mainloop.SetDefaultLogger(logger.Logger())

	c, err := mainloop.NewContext(mainloop.WithName("example"))
	if err != nil {
		logger.Err().Err(err).Log("failed to create context")
		os.Exit(1)
	}
	defer c.Close()

	loop := mainloop.NewMainLoop(c, false)

	for _, sig := range []unix.Signal{unix.SIGINT, unix.SIGTERM} {
		if _, err := c.UnixSignalAdd(sig, func() bool {
			logger.Info().Str("signal", sig.String()).Log("quitting")
			loop.Quit()
			return mainloop.SourceRemove
		}); err != nil {
			logger.Err().Err(err).Log("failed to watch signal")
			os.Exit(1)
		}
	}

	ticks := 0
	c.TimeoutAdd(250, func() bool {
		ticks++
		logger.Info().Int("tick", ticks).Log("timeout fired")
		return mainloop.SourceContinue
	})

	c.IdleAdd(func() bool {
		logger.Info().Log("idle, nothing else was ready")
		return mainloop.SourceRemove
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := loop.Run(ctx); err != nil {
		logger.Info().Err(err).Log("loop exited")
	}
}
