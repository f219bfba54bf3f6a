package main

import (
	"context"
	"embed"
	"log/slog"
	"os"

	"github.com/tomaskal/filedrop/internal/config"
	"github.com/tomaskal/filedrop/internal/ui"
	"github.com/tomaskal/filedrop/pkg/logging"
	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"
)

//go:embed all:frontend/dist
var assets embed.FS

func main() {
	setupLogger()
	config.Init()

	client, err := ui.NewClient()
	if err != nil {
		slog.Error("failed to initialize filedrop daemon", "error", err.Error())
		os.Exit(1)
	}

	err = wails.Run(&options.App{
		Title:            "FileDrop - LAN File Sharing",
		Width:            1024,
		Height:           768,
		AssetServer:      &assetserver.Options{Assets: assets},
		OnStartup:        func(ctx context.Context) { client.Startup(ctx) },
		OnShutdown:       func(ctx context.Context) { client.Shutdown(ctx) },
		BackgroundColour: &options.RGBA{R: 27, G: 38, B: 54, A: 1},
		Bind:             []any{client},
	})
	if err != nil {
		slog.Error("failed to start wails", "error", err.Error())
		os.Exit(1)
	}
}

func setupLogger() {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = slog.LevelInfo
	opts.SlogOpts.AddSource = false

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	l := slog.New(h)
	slog.SetDefault(l)
}
