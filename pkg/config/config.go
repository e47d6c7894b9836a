// Copyright 2023 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/matrixorigin/rowjoin/pkg/common/moerr"
	"github.com/matrixorigin/rowjoin/pkg/logutil"
)

const (
	defaultMemoryBudget = 64 << 20
	defaultInitBuckets  = 1024
	defaultInitBatches  = 1
	defaultChainLimit   = 10

	PullAlternate = "alternate"
	PullDrainSide = "drain-side"
)

// Limits bounds one join operator.  MemoryBudget is split between the two
// sides' hash tables; rows past the budget spill to files under SpillDir.
type Limits struct {
	MemoryBudget int64  `toml:"memory-budget"`
	SpillDir     string `toml:"spill-dir"`
	InitBuckets  int    `toml:"init-buckets"`
	InitBatches  int    `toml:"init-batches"`
	ChainLimit   int    `toml:"chain-limit"`
	PullPolicy   string `toml:"pull-policy"`

	Log logutil.Config `toml:"log"`
}

func Default() *Limits {
	return &Limits{
		MemoryBudget: defaultMemoryBudget,
		SpillDir:     os.TempDir(),
		InitBuckets:  defaultInitBuckets,
		InitBatches:  defaultInitBatches,
		ChainLimit:   defaultChainLimit,
		PullPolicy:   PullAlternate,
		Log:          logutil.Config{Level: "info", Format: "console"},
	}
}

// Load reads a toml file over the defaults.
func Load(path string) (*Limits, error) {
	lim := Default()
	if _, err := toml.DecodeFile(path, lim); err != nil {
		return nil, moerr.NewBadConfig(context.Background(), "%s: %v", path, err)
	}
	if err := lim.Validate(); err != nil {
		return nil, err
	}
	return lim, nil
}

func (lim *Limits) Validate() error {
	ctx := context.Background()
	if lim.MemoryBudget <= 0 {
		return moerr.NewBadConfig(ctx, "memory-budget must be positive, got %d", lim.MemoryBudget)
	}
	if lim.InitBuckets <= 0 || lim.InitBuckets&(lim.InitBuckets-1) != 0 {
		return moerr.NewBadConfig(ctx, "init-buckets must be a positive power of two, got %d", lim.InitBuckets)
	}
	if lim.InitBatches <= 0 || lim.InitBatches&(lim.InitBatches-1) != 0 {
		return moerr.NewBadConfig(ctx, "init-batches must be a positive power of two, got %d", lim.InitBatches)
	}
	if lim.ChainLimit <= 0 {
		return moerr.NewBadConfig(ctx, "chain-limit must be positive, got %d", lim.ChainLimit)
	}
	switch lim.PullPolicy {
	case PullAlternate, PullDrainSide:
	default:
		return moerr.NewBadConfig(ctx, "unknown pull-policy %q", lim.PullPolicy)
	}
	return nil
}
