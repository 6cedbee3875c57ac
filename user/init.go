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

package user

import (
	"fmt"

	"github.com/andrey-glotov/osdev-arm/pkg/kernel"
)

// initMain is process 1: it spawns the demo workload, then loops reaping
// children, including orphans reparented to it.
func initMain(env *kernel.UserEnv) {
	if env.IsForkChild() {
		if r := env.Exec("/bin/ls"); r < 0 {
			env.CWrite("init: exec /bin/ls failed\n")
			env.Exit(1)
		}
	}

	if pid := env.Fork(); pid < 0 {
		env.CWrite("init: fork failed\n")
		env.Exit(1)
	}

	env.CWrite("init: started\n")

	for {
		var status int32
		r := env.Wait(-1, &status, 0)
		if r > 0 {
			env.CWrite(fmt.Sprintf("init: reaped pid %d status %d\n", r, status))
			continue
		}
		// No children right now; give the CPU away and look again.
		env.Yield()
	}
}
