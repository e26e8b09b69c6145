package main

import (
	"context"
	"os"

	"github.com/newdrop/newdrop/internal/services"
	"github.com/newdrop/newdrop/internal/shared"
	"github.com/urfave/cli/v3"
)

func main() {
	logger := shared.NewLogger(nil)

	config := shared.DefaultConfig()
	if _, err := os.Stat("config.toml"); err == nil {
		if loadedConfig, err := shared.LoadConfig("config.toml"); err == nil {
			config = loadedConfig
		}
	}

	var spotify *services.SpotifyClient
	if config.Credentials.Spotify.ClientID != "" && config.Credentials.Spotify.ClientSecret != "" {
		client, err := services.NewSpotifyClient(config.Credentials.Spotify, config.Credentials.Spotify.Token())
		if err != nil {
			logger.Warn("failed to initialize Spotify client", "error", err)
		} else {
			if config.Sync.RateLimit > 0 {
				client.SetRateLimit(config.Sync.RateLimit)
			}
			spotify = client
		}
	}

	runner := NewRunner(RunnerOpts{
		Config:  config,
		Spotify: spotify,
		Logger:  logger,
	})

	app := &cli.Command{
		Name:     "newdrop",
		Usage:    "Track new releases from your followed Spotify artists",
		Version:  "0.3.0",
		Commands: runner.register(),
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		logger.Fatalf("application error: %v", err)
	}
}
