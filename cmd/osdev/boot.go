// Copyright 2025 The osdev-arm Authors.
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

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"time"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/andrey-glotov/osdev-arm/pkg/machine"
	"github.com/andrey-glotov/osdev-arm/user"
)

// bootCmd implements "osdev boot".
type bootCmd struct {
	configPath string
	runFor     time.Duration
}

// Name implements subcommands.Command.
func (*bootCmd) Name() string { return "boot" }

// Synopsis implements subcommands.Command.
func (*bootCmd) Synopsis() string { return "boot the machine and run init" }

// Usage implements subcommands.Command.
func (*bootCmd) Usage() string {
	return `boot [-config machine.toml] [-run-for duration]
`
}

// SetFlags implements subcommands.Command.
func (b *bootCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&b.configPath, "config", "", "machine configuration TOML file")
	f.DurationVar(&b.runFor, "run-for", 0, "power off after this long (0 = until interrupted)")
}

// Execute implements subcommands.Command.
func (b *bootCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	cfg := machine.DefaultConfig()
	if b.configPath != "" {
		var err error
		if cfg, err = machine.LoadConfig(b.configPath); err != nil {
			logrus.Errorf("%v", err)
			return subcommands.ExitUsageError
		}
	}

	if isTerminal(os.Stdout.Fd()) {
		logrus.Infof("console on the terminal")
	}

	m, err := machine.New(cfg, os.Stdout)
	if err != nil {
		logrus.Errorf("building machine: %v", err)
		return subcommands.ExitFailure
	}

	user.Register(m.Kernel())
	if err := user.PopulateRoot(m.BootCPU(), m.Root()); err != nil {
		logrus.Errorf("building boot filesystem: %v", err)
		return subcommands.ExitFailure
	}

	if err := m.Boot(user.InitImage()); err != nil {
		logrus.Errorf("%v", err)
		return subcommands.ExitFailure
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, unix.SIGTERM)
	defer stop()
	if b.runFor > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.runFor)
		defer cancel()
	}

	if err := m.Run(ctx); err != nil {
		logrus.Errorf("running machine: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// isTerminal reports whether fd refers to a terminal.
func isTerminal(fd uintptr) bool {
	_, err := unix.IoctlGetTermios(int(fd), unix.TCGETS)
	return err == nil
}
