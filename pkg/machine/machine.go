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

// Package machine assembles a bootable system: the simulated hardware, the
// kernel, the timer device, and the boot filesystem, configured from a
// TOML file or defaults.
package machine

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/sync/errgroup"

	"github.com/andrey-glotov/osdev-arm/pkg/kernel"
	"github.com/andrey-glotov/osdev-arm/pkg/kernel/arch"
	"github.com/andrey-glotov/osdev-arm/pkg/kernel/fs"
	"github.com/andrey-glotov/osdev-arm/pkg/kernel/mem"
	"github.com/andrey-glotov/osdev-arm/pkg/log"
)

// Config describes the machine to build.
type Config struct {
	// CPUs is the number of processors.
	CPUs int `toml:"cpus"`

	// MemoryPages is the physical memory budget in pages.
	MemoryPages int `toml:"memory_pages"`

	// TimerIntervalMS is the timer tick period in milliseconds.
	TimerIntervalMS int `toml:"timer_interval_ms"`
}

// DefaultConfig returns the stock machine: two CPUs, 16 MiB, 10 ms ticks.
func DefaultConfig() Config {
	return Config{
		CPUs:            2,
		MemoryPages:     4096,
		TimerIntervalMS: 10,
	}
}

// LoadConfig reads a machine configuration from a TOML file, filling in
// defaults for absent keys.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("machine: reading config %q: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	if cfg.CPUs < 1 || cfg.CPUs > arch.MaxCPUs {
		return fmt.Errorf("machine: cpus must be in [1, %d], got %d", arch.MaxCPUs, cfg.CPUs)
	}
	if cfg.MemoryPages < 64 {
		return fmt.Errorf("machine: memory_pages must be at least 64, got %d", cfg.MemoryPages)
	}
	if cfg.TimerIntervalMS < 1 {
		return fmt.Errorf("machine: timer_interval_ms must be positive, got %d", cfg.TimerIntervalMS)
	}
	return nil
}

// A Machine is an assembled system ready to boot.
type Machine struct {
	cfg Config

	arch   *arch.Machine
	kernel *kernel.Kernel
	root   *fs.Inode
}

// New builds the machine: CPUs, memory, kernel, timer device, and an empty
// root filesystem for the caller to populate.
func New(cfg Config, console io.Writer) (*Machine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	am := arch.NewMachine(cfg.CPUs)
	arena := mem.NewArena(cfg.MemoryPages)
	root := fs.NewDir()

	k := kernel.New(kernel.Params{
		Machine: am,
		Arena:   arena,
		Console: console,
		Root:    root,
	})

	boot := am.CPU(0)
	k.InterruptAttach(boot, arch.IRQTimer, func(c *arch.CPU, _ int) bool {
		k.Tick(c)
		return true
	})

	return &Machine{
		cfg:    cfg,
		arch:   am,
		kernel: k,
		root:   root,
	}, nil
}

// Kernel returns the machine's kernel.
func (m *Machine) Kernel() *kernel.Kernel {
	return m.kernel
}

// BootCPU returns CPU 0.
func (m *Machine) BootCPU() *arch.CPU {
	return m.arch.CPU(0)
}

// Root returns the boot filesystem root for population before Boot.
func (m *Machine) Root() *fs.Inode {
	return m.root
}

// Boot creates process 1 from the init binary image.
func (m *Machine) Boot(initImage []byte) error {
	_, err := m.kernel.BootInit(m.BootCPU(), initImage)
	if err != nil {
		return fmt.Errorf("machine: cannot create the init process: %w", err)
	}
	return nil
}

// Run starts the timer device and the scheduler on every CPU, blocking
// until the context is canceled and all CPUs have gone idle.
func (m *Machine) Run(ctx context.Context) error {
	tickerDone := make(chan struct{})
	ticker := time.NewTicker(time.Duration(m.cfg.TimerIntervalMS) * time.Millisecond)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.arch.Raise(arch.IRQTimer)
			case <-tickerDone:
				return
			}
		}
	}()

	g := new(errgroup.Group)
	for i := 0; i < m.cfg.CPUs; i++ {
		c := m.arch.CPU(i)
		g.Go(func() error {
			m.kernel.Start(c)
			return nil
		})
	}

	go func() {
		<-ctx.Done()
		log.Infof("machine: shutdown requested")
		close(tickerDone)
		m.kernel.Shutdown()
	}()

	return g.Wait()
}
