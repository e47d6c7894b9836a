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
	"os"
	"path/filepath"
	"testing"

	"github.com/matrixorigin/rowjoin/pkg/common/moerr"
	. "github.com/smartystreets/goconvey/convey"
)

func TestDefault(t *testing.T) {
	Convey("defaults are valid", t, func() {
		lim := Default()
		So(lim.Validate(), ShouldBeNil)
		So(lim.MemoryBudget, ShouldEqual, int64(64<<20))
		So(lim.InitBatches, ShouldEqual, 1)
		So(lim.PullPolicy, ShouldEqual, PullAlternate)
	})
}

func TestValidate(t *testing.T) {
	Convey("validation", t, func() {
		Convey("rejects a non-positive budget", func() {
			lim := Default()
			lim.MemoryBudget = 0
			err := lim.Validate()
			So(err, ShouldNotBeNil)
			So(moerr.IsMoErrCode(err, moerr.ErrBadConfig), ShouldBeTrue)
		})
		Convey("rejects bucket counts that are not powers of two", func() {
			lim := Default()
			lim.InitBuckets = 1000
			So(lim.Validate(), ShouldNotBeNil)
		})
		Convey("rejects batch counts that are not powers of two", func() {
			lim := Default()
			lim.InitBatches = 3
			So(lim.Validate(), ShouldNotBeNil)
		})
		Convey("rejects an unknown pull policy", func() {
			lim := Default()
			lim.PullPolicy = "zigzag"
			So(lim.Validate(), ShouldNotBeNil)
		})
		Convey("accepts the drain-side policy", func() {
			lim := Default()
			lim.PullPolicy = PullDrainSide
			So(lim.Validate(), ShouldBeNil)
		})
	})
}

func TestLoad(t *testing.T) {
	Convey("loading a toml file overlays the defaults", t, func() {
		dir := t.TempDir()
		path := filepath.Join(dir, "join.toml")
		body := `
memory-budget = 1048576
init-buckets = 64
init-batches = 4
pull-policy = "drain-side"

[log]
level = "debug"
format = "json"
`
		So(os.WriteFile(path, []byte(body), 0o644), ShouldBeNil)

		lim, err := Load(path)
		So(err, ShouldBeNil)
		So(lim.MemoryBudget, ShouldEqual, int64(1048576))
		So(lim.InitBuckets, ShouldEqual, 64)
		So(lim.InitBatches, ShouldEqual, 4)
		So(lim.PullPolicy, ShouldEqual, PullDrainSide)
		So(lim.ChainLimit, ShouldEqual, 10) // untouched default
		So(lim.Log.Level, ShouldEqual, "debug")
	})

	Convey("a missing file is a config error", t, func() {
		_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
		So(err, ShouldNotBeNil)
		So(moerr.IsMoErrCode(err, moerr.ErrBadConfig), ShouldBeTrue)
	})

	Convey("a bad value is rejected after decoding", t, func() {
		dir := t.TempDir()
		path := filepath.Join(dir, "bad.toml")
		So(os.WriteFile(path, []byte("init-buckets = 7\n"), 0o644), ShouldBeNil)
		_, err := Load(path)
		So(err, ShouldNotBeNil)
	})
}
