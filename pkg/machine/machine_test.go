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

package machine_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andrey-glotov/osdev-arm/pkg/machine"
	"github.com/andrey-glotov/osdev-arm/user"
)

// syncBuffer is a console that tolerates writes from several CPUs.
type syncBuffer struct {
	mu sync.Mutex
	sb strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sb.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sb.String()
}

func TestConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*machine.Config)
		ok   bool
	}{
		{"default", func(*machine.Config) {}, true},
		{"no cpus", func(c *machine.Config) { c.CPUs = 0 }, false},
		{"too many cpus", func(c *machine.Config) { c.CPUs = 64 }, false},
		{"tiny memory", func(c *machine.Config) { c.MemoryPages = 8 }, false},
		{"zero timer", func(c *machine.Config) { c.TimerIntervalMS = 0 }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := machine.DefaultConfig()
			tc.mut(&cfg)
			_, err := machine.New(cfg, os.Stderr)
			if (err == nil) != tc.ok {
				t.Errorf("New with %s: err = %v, want ok=%v", tc.name, err, tc.ok)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machine.toml")
	if err := os.WriteFile(path, []byte("cpus = 1\nmemory_pages = 512\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := machine.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.CPUs != 1 || cfg.MemoryPages != 512 {
		t.Errorf("cfg = %+v, want cpus=1 memory_pages=512", cfg)
	}
	// Absent keys keep defaults.
	if cfg.TimerIntervalMS != machine.DefaultConfig().TimerIntervalMS {
		t.Errorf("timer interval = %d, want default", cfg.TimerIntervalMS)
	}

	if _, err := machine.LoadConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("LoadConfig of a missing file succeeded")
	}
}

func TestBootRunsDemoUserland(t *testing.T) {
	cfg := machine.Config{CPUs: 1, MemoryPages: 1024, TimerIntervalMS: 1}
	console := &syncBuffer{}

	m, err := machine.New(cfg, console)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	user.Register(m.Kernel())
	if err := user.PopulateRoot(m.BootCPU(), m.Root()); err != nil {
		t.Fatalf("PopulateRoot: %v", err)
	}
	if err := m.Boot(user.InitImage()); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- m.Run(ctx) }()

	// Wait for the workload to flow through the console: init banner, the
	// ls listing, and the reap of the ls child.
	deadline := time.After(10 * time.Second)
	for {
		out := console.String()
		if strings.Contains(out, "init: started") &&
			strings.Contains(out, "/bin") &&
			strings.Contains(out, "init: reaped") {
			break
		}
		select {
		case <-deadline:
			cancel()
			t.Fatalf("demo output incomplete:\n%s", console.String())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-runDone:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Error("machine did not power off")
	}

	if s := console.String(); !strings.Contains(s, "status 0") {
		t.Errorf("ls exit status not reported:\n%s", s)
	}
}
