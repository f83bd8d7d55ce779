// Copyright 2026 The gVisor Authors.
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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/vmcore/vmctl/config"
)

// Layout implements subcommands.Command for the "layout" command.
type Layout struct {
	name string
}

// Name implements subcommands.Command.Name.
func (*Layout) Name() string {
	return "layout"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Layout) Synopsis() string {
	return "print the layout of an empty aspace"
}

// Usage implements subcommands.Command.Usage.
func (*Layout) Usage() string {
	return "layout [flags] - print the layout of an empty aspace built from the global flags.\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Layout) SetFlags(f *flag.FlagSet) {
	f.StringVar(&l.name, "name", "vmctl", "name of the root region.")
}

// Execute implements subcommands.Command.Execute.
func (l *Layout) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	as, err := newAspace(conf, l.name, conf.Seed)
	if err != nil {
		return Errorf("creating aspace: %v", err)
	}
	defer as.Release()
	fmt.Fprint(os.Stdout, as.Dump())
	return subcommands.ExitSuccess
}
