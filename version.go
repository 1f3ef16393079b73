package main

import (
	"runtime/debug"
	"sync"
)

// version returns the version from the build info: the module version, or the
// vcs revision for development builds.
var version = sync.OnceValue(func() string {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return "(devel)"
	}
	v := buildInfo.Main.Version
	if v != "(devel)" && v != "" {
		return v
	}
	var vcsRev, vcsMod string
	for _, setting := range buildInfo.Settings {
		switch setting.Key {
		case "vcs.revision":
			vcsRev = setting.Value
		case "vcs.modified":
			vcsMod = setting.Value
		}
	}
	if vcsRev == "" {
		return "(devel)"
	}
	switch vcsMod {
	case "false":
	case "true":
		vcsRev += "+modifications"
	default:
		vcsRev += "+unknown"
	}
	return vcsRev
})
