// SPDX-FileCopyrightText: 2023 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

// Command quicgated runs the QUIC chat-transport core (internal/quictransport)
// as a standalone server, wired the same way cmd/xmidt-agent wires its
// long-running services: kong for flags, goschtalt for layered config,
// sallust for the zap logger, and fx for the dependency graph and lifecycle.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/goschtalt/goschtalt"
	_ "github.com/goschtalt/goschtalt/pkg/typical"
	_ "github.com/goschtalt/yaml-decoder"
	_ "github.com/goschtalt/yaml-encoder"
	"github.com/xmidt-org/sallust"
	"gopkg.in/dealancer/validate.v2"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ptn1411/giano/internal/authjwt"
	"github.com/ptn1411/giano/internal/chatdemo"
	"github.com/ptn1411/giano/internal/quictransport"
)

const applicationName = "quicgated"

// These match what goreleaser provides.
var (
	commit  = "undefined"
	version = "undefined"
	date    = "undefined"
	builtBy = "undefined"
)

// CLI is the structure used to capture the command line arguments.
type CLI struct {
	Dev   bool     `optional:"" short:"d" help:"Run in development mode."`
	Show  bool     `optional:"" short:"s" help:"Show the configuration and exit."`
	Files []string `optional:"" short:"f" help:"Specific configuration files or directories."`
}

// cliArgs is a named type so kong's parser input threads cleanly through fx.
type cliArgs []string

// earlyExit marks that the program should exit gracefully without running
// the transport server (e.g. -s/--show was passed).
type earlyExit bool

// devMode marks that the program is running in development mode, enabling
// verbose console logging.
type devMode bool

// provideCLI parses args into a CLI, flipping early/dev as kong dictates.
func provideCLI(args cliArgs, dev *devMode, early *earlyExit) (*CLI, error) {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name(applicationName),
		kong.Description("QUIC chat-transport gateway.\n"+
			fmt.Sprintf("\tVersion:  %s\n", version)+
			fmt.Sprintf("\tDate:     %s\n", date)+
			fmt.Sprintf("\tCommit:   %s\n", commit)+
			fmt.Sprintf("\tBuilt By: %s\n", builtBy),
		),
		kong.UsageOnError(),
		kong.Exit(func(code int) {
			*early = earlyExit(true)
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = parser.Parse(args)
	if err != nil {
		*early = earlyExit(true)
		return &cli, nil
	}

	*dev = devMode(cli.Dev)
	return &cli, nil
}

// provideLogger builds a *zap.Logger from sallust.Config, switching to a
// verbose console encoder when the CLI requested dev mode.
func provideLogger(cli *CLI, cfg sallust.Config) (*zap.Logger, error) {
	if cli.Dev {
		cfg.Level = "DEBUG"
		cfg.Development = true
		cfg.Encoding = "console"
		cfg.EncoderConfig = sallust.EncoderConfig{
			TimeKey:        "T",
			LevelKey:       "L",
			NameKey:        "N",
			CallerKey:      "C",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "M",
			StacktraceKey:  "S",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    "capitalColor",
			EncodeTime:     "RFC3339",
			EncodeDuration: "string",
			EncodeCaller:   "short",
		}
		cfg.OutputPaths = []string{"stderr"}
		cfg.ErrorOutputPaths = []string{"stderr"}
	}
	return cfg.Build()
}

// handleCLIShow implements -s/--show: print the effective configuration and
// mark the program for early exit instead of starting the transport.
func handleCLIShow(cli *CLI, cfg *goschtalt.Config, early *earlyExit) {
	if !cli.Show {
		return
	}

	fmt.Fprintln(os.Stdout, cfg.Explain().String())

	out, err := cfg.Marshal()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	} else {
		fmt.Fprintln(os.Stdout, "## Final Configuration\n---\n"+string(out))
	}

	*early = earlyExit(true)
}

// runTransport registers the TransportServer's Initialize/Start/Stop calls
// as an fx.Lifecycle hook, the standard fx idiom for a long-running service.
func runTransport(lc fx.Lifecycle, srv *quictransport.TransportServer, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if err := srv.Initialize(); err != nil {
				return fmt.Errorf("initializing quic transport: %w", err)
			}
			if err := srv.Start(); err != nil {
				log.Warn("quic transport did not start", zap.Error(err))
				return nil
			}
			return nil
		},
		OnStop: func(context.Context) error {
			if srv.State() != quictransport.StateRunning {
				return nil
			}
			return srv.Stop()
		},
	})
}

func quicgated(args []string) error {
	var (
		gscfg *goschtalt.Config
		dev   devMode
		early earlyExit
	)

	app := fx.New(
		fx.Supply(&early),
		fx.Supply(&dev),
		fx.Supply(cliArgs(args)),

		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),

		fx.Provide(
			provideCLI,

			func(cli *CLI) (*goschtalt.Config, error) {
				var err error
				gscfg, err = goschtalt.New(
					goschtalt.StdCfgLayout(applicationName, cli.Files...),
					goschtalt.ConfigIs("two_words"),
					goschtalt.DefaultUnmarshalOptions(
						goschtalt.WithValidator(
							goschtalt.ValidatorFunc(validate.Validate),
						),
					),
					goschtalt.AddValue("built-in", goschtalt.Root, defaultConfig(),
						goschtalt.AsDefault(),
					),
				)
				return gscfg, err
			},

			goschtalt.UnmarshalFunc[sallust.Config]("logger", goschtalt.Optional()),
			goschtalt.UnmarshalFunc[Config]("", goschtalt.Optional()),

			provideLogger,

			func(cfg Config) (*authjwt.Verifier, error) {
				set, err := authjwt.FetchKeySet(context.Background(), cfg.JWKSURL)
				if err != nil {
					return nil, err
				}
				return authjwt.New(set, authjwt.WithIssuer(cfg.Issuer)), nil
			},

			func(cfg Config) *chatdemo.Store {
				return chatdemo.New(cfg.MediaSoupURL)
			},

			func(cfg Config, verifier *authjwt.Verifier, participation *chatdemo.Store, log *zap.Logger) *quictransport.TransportServer {
				return quictransport.NewTransportServer(cfg.QUIC, verifier, participation,
					quictransport.WithServerLogger(log),
				)
			},
		),

		fx.Invoke(
			handleCLIShow,
			runTransport,
		),
	)

	if dev {
		defer func() {
			if gscfg != nil {
				fmt.Fprintln(os.Stderr, gscfg.Explain().String())
			}
		}()
	}

	if err := app.Err(); err != nil || early {
		return err
	}

	app.Run()

	return nil
}

func main() {
	if err := quicgated(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(-1)
	}
}
