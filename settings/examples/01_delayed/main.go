// Example: Delayed Settings
//
// This example demonstrates:
// - A persistent SQLite settings backend
// - Staging changes with a delayed backend, owned by a main context
// - Applying staged changes from a timeout source
//
// Run with: go run ./settings/examples/01_delayed/ [database]
package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"

	"github.com/joeycumines/go-mainloop/mainloop"
	"github.com/joeycumines/go-mainloop/settings"
	"github.com/joeycumines/go-mainloop/settings/sqlitebackend"
)

func main() {
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(os.Stderr)),
		stumpy.L.WithLevel(logiface.LevelInformational),
	).Logger()

	path := filepath.Join(os.TempDir(), "mainloop-settings-example.db")
	if len(os.Args) > 1 {
		path = os.Args[1]
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	backend, err := sqlitebackend.Open(ctx, path,
		sqlitebackend.WithLogger(logger),
		sqlitebackend.WithWatch(true),
		sqlitebackend.WithDefaults(map[string]any{"/example/runs": 0}),
	)
	if err != nil {
		logger.Err().Err(err).Log("failed to open settings")
		os.Exit(1)
	}
	defer backend.Close()

	c, err := mainloop.NewContext(mainloop.WithName("settings"), mainloop.WithLogger(logger))
	if err != nil {
		logger.Err().Err(err).Log("failed to create context")
		os.Exit(1)
	}
	defer c.Close()

	delayed, err := settings.NewDelayedBackend(backend, c, func(unapplied bool) {
		logger.Info().Bool("unapplied", unapplied).Log("unapplied changes")
	}, settings.WithLogger(logger))
	if err != nil {
		logger.Err().Err(err).Log("failed to create delayed backend")
		os.Exit(1)
	}
	defer delayed.Close()

	delayed.Watch(settings.ListenerFuncs{
		OnChanged: func(key string, _ settings.Origin) {
			v, _ := delayed.Read(key, nil, false)
			logger.Info().Str("key", key).Interface("value", v).Log("changed")
		},
		OnKeysChanged: func(path string, items []string, _ settings.Origin) {
			logger.Info().Str("path", path).Int("keys", len(items)).Log("keys changed")
		},
	}, c)

	runs, _ := settings.Get[int](delayed, "/example/runs")
	delayed.Write("/example/runs", runs+1, nil)
	delayed.Write("/example/last", time.Now().Format(time.RFC3339), nil)

	loop := mainloop.NewMainLoop(c, false)
	c.TimeoutAdd(500, func() bool {
		logger.Info().Int("runs", runs+1).Log("applying")
		delayed.Apply()
		loop.Quit()
		return mainloop.SourceRemove
	})

	if err := loop.Run(ctx); err != nil {
		logger.Info().Err(err).Log("loop exited")
	}
}
