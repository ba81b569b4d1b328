// Copyright 2025 The Warden Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command warden is the CLI for the warden agent manager.
//
// Usage:
//
//	warden serve --config config.yaml
//	warden thread show order-123
//	warden dlq list Echo/order-123
//	warden checkpoint show Echo order-123
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"

	warden "github.com/warden-dev/warden"
	"github.com/warden-dev/warden/pkg/config"
	"github.com/warden-dev/warden/pkg/journal"
	"github.com/warden-dev/warden/pkg/logger"
	"github.com/warden-dev/warden/pkg/store"
)

// CLI defines the command-line interface.
type CLI struct {
	Version    VersionCmd    `cmd:"" help:"Show version information."`
	Serve      ServeCmd      `cmd:"" help:"Start the agent server."`
	Validate   ValidateCmd   `cmd:"" help:"Validate a configuration file."`
	Thread     ThreadCmd     `cmd:"" help:"Inspect and edit thread journals."`
	Checkpoint CheckpointCmd `cmd:"" help:"Inspect and delete agent checkpoints."`
	Cursor     CursorCmd     `cmd:"" help:"Inspect and reset subscription cursors."`
	DLQ        DLQCmd        `cmd:"" name:"dlq" help:"Inspect and drain dead letter queues."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"warn"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// loadConfig loads the --config file, or the built-in defaults when the
// flag is absent.
func (cli *CLI) loadConfig() (*config.Config, error) {
	if cli.Config == "" {
		return config.Default(), nil
	}
	return config.Load(cli.Config)
}

// openJournal opens the configured store backend and wraps it in a journal
// for the admin commands.
func (cli *CLI) openJournal() (*config.Config, store.Store, *journal.Journal, error) {
	cfg, err := cli.loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	st, err := cfg.Store.OpenStore()
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, st, journal.New(st), nil
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	info := warden.GetVersion()
	if bi, ok := debug.ReadBuildInfo(); ok {
		if bi.Main.Version != "(devel)" && bi.Main.Version != "" {
			info.Version = bi.Main.Version
		}
	}
	fmt.Println(info)
	return nil
}

// ValidateCmd validates a configuration file.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return fmt.Errorf("--config is required for validate")
	}
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	fmt.Printf("%s is valid\n", cli.Config)
	fmt.Printf("  manager: %s\n", cfg.Manager.Name)
	fmt.Printf("  store:   %s", cfg.Store.Backend)
	if cfg.Store.Path != "" {
		fmt.Printf(" (%s)", cfg.Store.Path)
	}
	fmt.Println()
	return nil
}

func main() {
	config.LoadDotEnv()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("warden"),
		kong.Description("Warden - supervised keyed agent instances"),
		kong.UsageOnError(),
	)

	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	output := os.Stderr
	if cli.LogFile != "" {
		file, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()
		output = file
	}
	logger.Init(level, output, cli.LogFormat)

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
