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
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/ring0/pagetables"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
	"gvisor.dev/vmcore/pkg/sentry/vmar"
	"gvisor.dev/vmcore/vmctl/config"
	"gvisor.dev/vmcore/vmctl/scenario"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	parallel int
	quiet    bool
	steps    bool
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run scenario files, each in its own aspace"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] <scenario.toml>... - run scenario files.

Scenarios run concurrently, each in its own aspace. All of them allocate from
a single pool of --pages page frames. The layout of each aspace is printed
after its scenario completes, in the order the files were given.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.IntVar(&r.parallel, "parallel", runtime.NumCPU(), "maximum number of scenarios to run at once.")
	f.BoolVar(&r.quiet, "quiet", false, "do not print aspace layouts.")
	f.BoolVar(&r.steps, "steps", false, "print the steps of each scenario before running it.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	scenarios := make([]*scenario.Scenario, 0, f.NArg())
	for _, path := range f.Args() {
		s, err := scenario.Load(path)
		if err != nil {
			return Errorf("loading scenario %q: %v", path, err)
		}
		scenarios = append(scenarios, s)
	}

	mf, err := pgalloc.NewMemoryFile(pgalloc.MemoryFileOpts{Pages: uint32(conf.Pages)})
	if err != nil {
		return Errorf("creating memory file: %v", err)
	}
	ctx = pgalloc.WithMemoryFile(ctx, mf)

	outs := make([]bytes.Buffer, len(scenarios))
	g, gctx := errgroup.WithContext(ctx)
	if r.parallel > 0 {
		g.SetLimit(r.parallel)
	}
	for i, s := range scenarios {
		g.Go(func() error {
			return r.runScenario(gctx, conf, int64(i), s, &outs[i])
		})
	}
	err = g.Wait()
	for i := range outs {
		os.Stdout.Write(outs[i].Bytes())
	}
	if err != nil {
		return Errorf("%v", err)
	}

	u := mf.Usage()
	log.Infof("Memory: %d allocs, %d frees, %d failed, %d in use", u.Allocs, u.Frees, u.Failed, u.InUse)
	if u.InUse != 0 {
		return Errorf("%d pages still in use after all scenarios completed", u.InUse)
	}
	return subcommands.ExitSuccess
}

// runScenario runs s in a new aspace, writing output to out. The aspace is
// released on return whether or not s released it itself.
func (r *Run) runScenario(ctx context.Context, conf *config.Config, index int64, s *scenario.Scenario, out io.Writer) error {
	as, err := newAspace(conf, s.Name, conf.Seed+index)
	if err != nil {
		return fmt.Errorf("%s: creating aspace: %w", s.Name, err)
	}
	runner := scenario.NewRunner(as, pgalloc.MemoryFileFromContext(ctx), out)
	defer runner.Close()
	defer as.Release()

	if r.steps {
		s.Dump(out)
	}
	log.Debugf("Running %s in %v", s.Name, as)
	if err := runner.Run(ctx, s); err != nil {
		return err
	}
	if !r.quiet {
		io.WriteString(out, as.Dump())
	}
	return nil
}

// newAspace creates an aspace covering the range given by conf.
func newAspace(conf *config.Config, name string, seed int64) (*vmar.Aspace, error) {
	return vmar.New(vmar.Options{
		Name: name,
		Base: hostarch.Addr(conf.AspaceBase),
		Size: conf.AspaceSize,
		ASLR: conf.ASLR,
		Seed: seed,
	}, pagetables.New())
}
