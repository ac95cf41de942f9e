// Copyright 2017 Pilosa Corp.
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

package pagestore

import (
	"runtime"
	"time"
)

// Set at build time with -ldflags.
var (
	Version   string
	Commit    string
	BuildTime string
	GoVersion = runtime.Version()
)

// VersionInfo returns a one-line description of the running build.
func VersionInfo() string {
	v := Version
	if v == "" {
		v = "v0.x"
	}
	buildTime := BuildTime
	if buildTime != "" {
		// Normalize the build time into a friendly format in the user's time zone.
		if t, err := time.Parse("2006-01-02T15:04:05+0000", BuildTime); err == nil {
			buildTime = t.Local().Format("Jan _2 2006 3:04PM")
		}
	}
	switch {
	case Commit != "" && buildTime != "":
		v += " (" + buildTime + ", " + Commit + ")"
	case Commit != "":
		v += " (" + Commit + ")"
	case buildTime != "":
		v += " (" + buildTime + ")"
	}
	return "pagestore " + v + " " + GoVersion
}
