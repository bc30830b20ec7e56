// Package main runs the field scanner: camera, detection loop and the HTTP
// API the capture UI talks to.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"fieldscan/internal/app"
	"fieldscan/internal/config"
)

const (
	flagDemo         = "demo"
	flagClip         = "clip"
	flagDevice       = "device"
	flagMunicipality = "municipality"
	flagPort         = "port"
	flagLogLevel     = "log-level"
	flagBackends     = "backends"
)

func main() {
	if err := newCLI(serve).Run(os.Args); err != nil {
		log.Fatalf("Failed to start scanner: %v", err)
	}
}

// newCLI builds the command line; run receives the final configuration.
func newCLI(run func(ctx context.Context, cfg *config.Config) error) *cli.App {
	return &cli.App{
		Name:  "scanner",
		Usage: "inspect waste containers with on-device object detection",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  flagDemo,
				Usage: "loop the sample clip instead of opening the camera",
			},
			&cli.StringFlag{
				Name:  flagClip,
				Usage: "sample clip played in demo mode",
			},
			&cli.StringFlag{
				Name:    flagDevice,
				Aliases: []string{"d"},
				Usage:   "camera device index or path",
			},
			&cli.StringFlag{
				Name:    flagMunicipality,
				Aliases: []string{"m"},
				Usage:   "default municipality `ID` for new drafts",
			},
			&cli.IntFlag{
				Name:    flagPort,
				Aliases: []string{"p"},
				Usage:   "HTTP port",
			},
			&cli.StringFlag{
				Name:  flagLogLevel,
				Usage: "debug, info, warn or error",
			},
			&cli.StringSliceFlag{
				Name:  flagBackends,
				Usage: "compute backends in preference order (cuda, opencl, cpu)",
			},
		},
		Action: func(c *cli.Context) error {
			cfg := config.Load()
			if err := applyFlags(c, cfg); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
}

// applyFlags overrides cfg with the flags that were set.
func applyFlags(c *cli.Context, cfg *config.Config) error {
	if c.IsSet(flagDemo) {
		cfg.DemoMode = c.Bool(flagDemo)
	}
	if c.IsSet(flagClip) {
		cfg.DemoClipPath = c.String(flagClip)
	}
	if c.IsSet(flagDevice) {
		cfg.CameraDevice = c.String(flagDevice)
	}
	if c.IsSet(flagPort) {
		cfg.Port = c.Int(flagPort)
	}
	if c.IsSet(flagLogLevel) {
		cfg.LogLevel = c.String(flagLogLevel)
	}
	if c.IsSet(flagBackends) {
		cfg.Backends = c.StringSlice(flagBackends)
	}
	if c.IsSet(flagMunicipality) {
		id := c.String(flagMunicipality)
		if _, ok := cfg.Municipality(id); !ok {
			return errors.Errorf("unknown municipality %q", id)
		}
		cfg.DefaultMunicipality = id
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return errors.Errorf("invalid port %d", cfg.Port)
	}
	return nil
}

func serve(ctx context.Context, cfg *config.Config) (err error) {
	application, err := app.NewApp(cfg)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, application.Close())
	}()

	fmt.Printf("Field scanner on http://localhost:%d (demo=%v)\n", cfg.Port, cfg.DemoMode)
	return application.Run(ctx)
}
