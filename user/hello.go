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

// helloMain prints its PID and exits with a recognizable status, which
// exercises the wait/exit status plumbing end to end.
func helloMain(env *kernel.UserEnv) {
	env.CWrite(fmt.Sprintf("hello from pid %d\n", env.GetPID()))
	env.Exit(42)
}
