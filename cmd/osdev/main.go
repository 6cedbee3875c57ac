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

// Binary osdev boots the simulated ARM machine and runs the kernel with
// the demo userland.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/andrey-glotov/osdev-arm/pkg/log"
)

func main() {
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.StampMicro,
	})

	// Kernel diagnostics flow into the host logger.
	log.SetTarget(&logrusEmitter{})

	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(bootCmd), "")
	subcommands.Register(new(versionCmd), "")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}

// logrusEmitter forwards kernel log lines to logrus.
type logrusEmitter struct{}

// Emit implements log.Emitter.
func (*logrusEmitter) Emit(level log.Level, _ time.Time, format string, v ...any) {
	switch level {
	case log.Warning:
		logrus.Warnf(format, v...)
	case log.Debug:
		logrus.Debugf(format, v...)
	default:
		logrus.Infof(format, v...)
	}
}
