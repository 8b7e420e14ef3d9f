package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/guseggert/cmdrelay/internal/config"
	"github.com/guseggert/cmdrelay/relay"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "relayd",
		Usage: "run one command per TCP connection and stream its output back",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to a TOML config file. Defaults to the nearest " + config.FileName + " above the working directory.",
			},
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address to accept connections on.",
			},
			&cli.IntFlag{
				Name:  "backlog",
				Usage: "The listen backlog.",
			},
			&cli.IntFlag{
				Name:  "max-concurrent",
				Usage: "How many connections to handle at once. 1 handles them strictly in order.",
			},
			&cli.IntFlag{
				Name:  "chunk-size",
				Usage: "Size of the buffer used to relay command output.",
			},
			&cli.BoolFlag{
				Name:  "kill-on-disconnect",
				Usage: "Kill a command whose client goes away before it finishes.",
			},
			&cli.StringFlag{
				Name:  "tokenizer",
				Usage: "How to split command lines. One of [whitespace,shell].",
			},
			&cli.StringFlag{
				Name:  "shutdown",
				Usage: "What to do with in-flight connections on SIGINT/SIGTERM. One of [abrupt,drain].",
			},
			&cli.StringFlag{
				Name:  "admin-addr",
				Usage: "If set, serve /heartbeat and /stats over HTTP on this address.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "One of [debug,info,warn,error].",
			},
		},
		Action: func(ctx *cli.Context) error {
			cfg, err := config.Load(ctx.String("config"))
			if err != nil {
				return err
			}
			sc := cfg.Server
			if ctx.IsSet("listen-addr") {
				sc.ListenAddr = ctx.String("listen-addr")
			}
			if ctx.IsSet("backlog") {
				sc.Backlog = ctx.Int("backlog")
			}
			if ctx.IsSet("max-concurrent") {
				sc.MaxConcurrent = ctx.Int("max-concurrent")
			}
			if ctx.IsSet("chunk-size") {
				sc.ChunkSize = ctx.Int("chunk-size")
			}
			if ctx.IsSet("kill-on-disconnect") {
				sc.KillOnDisconnect = ctx.Bool("kill-on-disconnect")
			}
			if ctx.IsSet("tokenizer") {
				sc.Tokenizer = ctx.String("tokenizer")
			}
			if ctx.IsSet("shutdown") {
				sc.Shutdown = ctx.String("shutdown")
			}
			if ctx.IsSet("admin-addr") {
				sc.AdminAddr = ctx.String("admin-addr")
			}
			if ctx.IsSet("log-level") {
				sc.LogLevel = ctx.String("log-level")
			}
			cfg.Server = sc
			if err := cfg.Validate(); err != nil {
				return err
			}

			level, err := zapcore.ParseLevel(sc.LogLevel)
			if err != nil {
				return fmt.Errorf("parsing log level: %w", err)
			}
			logger, err := zap.NewDevelopment()
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			defer logger.Sync()

			tokenizer, err := relay.TokenizerByName(sc.Tokenizer)
			if err != nil {
				return err
			}

			server, err := relay.NewServer(
				relay.WithLogger(logger),
				relay.WithLogLevel(level),
				relay.WithListenAddr(sc.ListenAddr),
				relay.WithBacklog(sc.Backlog),
				relay.WithMaxConcurrent(sc.MaxConcurrent),
				relay.WithChunkSize(sc.ChunkSize),
				relay.WithKillOnDisconnect(sc.KillOnDisconnect),
				relay.WithTokenizer(tokenizer),
				relay.WithShutdownPolicy(relay.ShutdownPolicy(sc.Shutdown)),
				relay.WithAdminAddr(sc.AdminAddr),
			)
			if err != nil {
				return fmt.Errorf("building server: %w", err)
			}
			if err := server.Start(); err != nil {
				return err
			}

			sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return server.Run(sigCtx)
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
