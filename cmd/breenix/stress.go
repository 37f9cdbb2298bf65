// Copyright 2024 The Breenix Authors.
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
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ryanbreen/breenix-sub006/pkg/kernel"
)

// stressCmd implements subcommands.Command for the "stress" command: many
// forked children concurrently breaking copy-on-write pages inherited from
// one parent.
type stressCmd struct {
	configPath string
	procs      int
	pages      int
}

// Name implements subcommands.Command.Name.
func (*stressCmd) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*stressCmd) Synopsis() string {
	return "runs a concurrent fork/fault workload and prints aggregate stats"
}

// Usage implements subcommands.Command.Usage.
func (*stressCmd) Usage() string {
	return `stress [-config machine.toml] [-procs N] [-pages M]
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *stressCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.configPath, "config", "", "machine config file (TOML); defaults when empty")
	f.IntVar(&s.procs, "procs", 8, "number of forked children")
	f.IntVar(&s.pages, "pages", 64, "heap pages each child rewrites")
}

// Execute implements subcommands.Command.Execute.
func (s *stressCmd) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	cfg, err := loadConfig(s.configPath)
	if err != nil {
		logrus.Error(err)
		return subcommands.ExitUsageError
	}
	cfg.applyLogging()
	if s.procs < 1 || s.pages < 1 {
		logrus.Errorf("invalid workload: procs=%d pages=%d", s.procs, s.pages)
		return subcommands.ExitUsageError
	}

	k, err := kernel.New(cfg.memoryBytes(), cfg.Arch)
	if err != nil {
		logrus.WithError(err).Error("boot failed")
		return subcommands.ExitFailure
	}
	defer k.Destroy()

	if err := runStress(k, s.procs, s.pages); err != nil {
		logrus.WithError(err).Error("stress workload failed")
		return subcommands.ExitFailure
	}

	snap := k.Stats()
	logrus.WithFields(logrus.Fields{
		"procs":          s.procs,
		"pages":          s.pages,
		"total_faults":   snap.TotalFaults,
		"manager_path":   snap.ManagerPath,
		"direct_path":    snap.DirectPath,
		"pages_copied":   snap.PagesCopied,
		"sole_owner_opt": snap.SoleOwnerOpt,
	}).Info("stress complete")
	return subcommands.ExitSuccess
}

// runStress seeds a parent heap of pages pages, forks procs children, and
// lets every child rewrite every page concurrently. Afterwards the parent's
// pages must be byte-identical to the seed.
func runStress(k *kernel.Kernel, procs, pages int) error {
	cpu := kernel.NewCPU()
	parent, err := k.CreateTask(demoImage)
	if err != nil {
		return err
	}
	cpu.Switch(parent)

	heapEnd := kernel.HeapBase.AddPages(uint64(pages))
	if _, err := k.SysBrk(cpu, heapEnd); err != nil {
		return err
	}
	for p := 0; p < pages; p++ {
		if err := k.WriteUser(cpu, kernel.HeapBase.AddPages(uint64(p)), []byte{0xee}); err != nil {
			return err
		}
	}

	children := make([]*kernel.Task, procs)
	for i := range children {
		child, err := k.Fork(cpu)
		if err != nil {
			return err
		}
		children[i] = child
	}

	var g errgroup.Group
	for i, child := range children {
		i, child := i, child
		g.Go(func() error {
			childCPU := kernel.NewCPU()
			childCPU.Switch(child)
			for p := 0; p < pages; p++ {
				va := kernel.HeapBase.AddPages(uint64(p))
				if err := k.WriteUser(childCPU, va, []byte{byte(i), byte(p)}); err != nil {
					return fmt.Errorf("child %d page %d: %w", i, p, err)
				}
			}
			k.Exit(child, 0)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for range children {
		if _, _, err := k.Wait(parent); err != nil {
			return err
		}
	}
	b := make([]byte, 1)
	for p := 0; p < pages; p++ {
		if err := k.ReadUser(cpu, kernel.HeapBase.AddPages(uint64(p)), b); err != nil {
			return err
		}
		if b[0] != 0xee {
			return fmt.Errorf("parent page %d corrupted: %#x", p, b[0])
		}
	}
	k.Exit(parent, 0)
	return nil
}
