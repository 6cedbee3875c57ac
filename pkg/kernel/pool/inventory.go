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

package pool

import (
	"github.com/andrey-glotov/osdev-arm/pkg/kernel/arch"
	"github.com/andrey-glotov/osdev-arm/pkg/kernel/ksync"
)

// Info is the inventory view of a pool, independent of its object type.
type Info interface {
	// Name returns the pool name.
	Name() string

	// InUse returns the number of live objects.
	InUse() int
}

// The global inventory of all pools, for diagnostics.
var (
	inventoryLock ksync.SpinLock
	inventory     []Info
)

func registerPool(c *arch.CPU, p Info) {
	inventoryLock.Acquire(c)
	defer inventoryLock.Release(c)
	inventory = append(inventory, p)
}

func unregisterPool(c *arch.CPU, p Info) {
	inventoryLock.Acquire(c)
	defer inventoryLock.Release(c)
	for i, q := range inventory {
		if q == p {
			inventory = append(inventory[:i], inventory[i+1:]...)
			return
		}
	}
	panic("pool: destroying a pool that is not in the inventory")
}

// Pools returns a snapshot of the pool inventory.
func Pools(c *arch.CPU) []Info {
	inventoryLock.Acquire(c)
	defer inventoryLock.Release(c)
	return append([]Info(nil), inventory...)
}

func init() {
	inventoryLock.SetName("pool_inventory")
}
