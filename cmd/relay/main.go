package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/guseggert/cmdrelay/client"
	"github.com/guseggert/cmdrelay/internal/config"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:      "relay",
		Usage:     "send a command to a relayd server and print its output",
		ArgsUsage: "[command]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to a TOML config file. Defaults to the nearest " + config.FileName + " above the working directory.",
			},
			&cli.StringFlag{
				Name:  "addr",
				Usage: "The server address.",
			},
			&cli.DurationFlag{
				Name:  "dial-timeout",
				Usage: "How long to wait for the connection to be established.",
			},
			&cli.DurationFlag{
				Name:  "wait",
				Usage: "If set, keep retrying the connection for up to this long before sending the command.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "One of [debug,info,warn,error].",
			},
		},
		Action: func(ctx *cli.Context) error {
			if ctx.NArg() > 1 {
				return fmt.Errorf("expected at most one argument, got %d", ctx.NArg())
			}
			cfg, err := config.Load(ctx.String("config"))
			if err != nil {
				return err
			}
			cc := cfg.Client
			if ctx.IsSet("addr") {
				cc.Addr = ctx.String("addr")
			}
			if ctx.IsSet("dial-timeout") {
				cc.DialTimeout.Duration = ctx.Duration("dial-timeout")
			}
			if ctx.IsSet("log-level") {
				cc.LogLevel = ctx.String("log-level")
			}
			command := cc.Command
			if ctx.NArg() == 1 {
				command = ctx.Args().First()
			}

			level, err := zapcore.ParseLevel(cc.LogLevel)
			if err != nil {
				return fmt.Errorf("parsing log level: %w", err)
			}
			zcfg := zap.NewDevelopmentConfig()
			zcfg.Level = zap.NewAtomicLevelAt(level)
			logger, err := zcfg.Build()
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			defer logger.Sync()

			c := client.New(cc.Addr, client.WithLogger(logger), client.WithDialTimeout(cc.DialTimeout.Duration))

			if wait := ctx.Duration("wait"); wait > 0 {
				waitCtx, cancel := context.WithTimeout(ctx.Context, wait)
				err := c.WaitForServer(waitCtx)
				cancel()
				if err != nil {
					return fmt.Errorf("waiting for server: %w", err)
				}
			}

			_, err = c.Run(ctx.Context, command, os.Stdout)
			return err
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
