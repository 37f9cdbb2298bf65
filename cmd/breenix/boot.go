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

	"github.com/ryanbreen/breenix-sub006/pkg/kernel"
	"github.com/ryanbreen/breenix-sub006/pkg/usermem"
)

// demoImage is the init task's code image; its contents are never executed,
// only mapped read-only and shared across fork.
var demoImage = []byte("breenix demo init image")

// bootCmd implements subcommands.Command for the "boot" command.
type bootCmd struct {
	configPath string
}

// Name implements subcommands.Command.Name.
func (*bootCmd) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*bootCmd) Synopsis() string {
	return "boots the machine and runs a fork/copy-on-write demo workload"
}

// Usage implements subcommands.Command.Usage.
func (*bootCmd) Usage() string {
	return `boot [-config machine.toml]
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *bootCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&b.configPath, "config", "", "machine config file (TOML); defaults when empty")
}

// Execute implements subcommands.Command.Execute.
func (b *bootCmd) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	cfg, err := loadConfig(b.configPath)
	if err != nil {
		logrus.Error(err)
		return subcommands.ExitUsageError
	}
	cfg.applyLogging()

	k, err := kernel.New(cfg.memoryBytes(), cfg.Arch)
	if err != nil {
		logrus.WithError(err).Error("boot failed")
		return subcommands.ExitFailure
	}
	defer k.Destroy()

	if err := runDemo(k); err != nil {
		logrus.WithError(err).Error("demo workload failed")
		return subcommands.ExitFailure
	}

	snap := k.Stats()
	logrus.WithFields(logrus.Fields{
		"total_faults":   snap.TotalFaults,
		"manager_path":   snap.ManagerPath,
		"direct_path":    snap.DirectPath,
		"pages_copied":   snap.PagesCopied,
		"sole_owner_opt": snap.SoleOwnerOpt,
	}).Info("cow_stats")
	return subcommands.ExitSuccess
}

// runDemo exercises the whole surface once: heap growth, fork, CoW breaks in
// parent and child, signal delivery onto a CoW stack, and wait.
func runDemo(k *kernel.Kernel) error {
	cpu := kernel.NewCPU()
	init, err := k.CreateTask(demoImage)
	if err != nil {
		return err
	}
	cpu.Switch(init)

	if _, err := k.SysBrk(cpu, kernel.HeapBase+usermem.PageSize); err != nil {
		return err
	}
	if err := k.WriteUser(cpu, kernel.HeapBase, []byte("hello from init")); err != nil {
		return err
	}

	child, err := k.Fork(cpu)
	if err != nil {
		return err
	}
	cpu.Switch(child)
	if err := k.WriteUser(cpu, kernel.HeapBase, []byte("hello from fork")); err != nil {
		return err
	}
	if _, err := k.SendSignal(cpu, child.ID(), kernel.SIGUSR1); err != nil {
		return err
	}
	k.Exit(child, 0)

	cpu.Switch(init)
	if _, _, err := k.Wait(init); err != nil {
		return err
	}
	got := make([]byte, 15)
	if err := k.ReadUser(cpu, kernel.HeapBase, got); err != nil {
		return err
	}
	if string(got) != "hello from init" {
		return fmt.Errorf("init heap corrupted by child: %q", got)
	}
	logrus.WithField("heap", string(got)).Info("init heap intact after child exit")
	k.Exit(init, 0)
	return nil
}
