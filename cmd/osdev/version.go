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
	"fmt"

	"github.com/google/subcommands"
)

// version is stamped by the build.
var version = "dev"

// versionCmd implements "osdev version".
type versionCmd struct{}

// Name implements subcommands.Command.
func (*versionCmd) Name() string { return "version" }

// Synopsis implements subcommands.Command.
func (*versionCmd) Synopsis() string { return "print the version" }

// Usage implements subcommands.Command.
func (*versionCmd) Usage() string { return "version\n" }

// SetFlags implements subcommands.Command.
func (*versionCmd) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.
func (*versionCmd) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	fmt.Println("osdev version", version)
	return subcommands.ExitSuccess
}
