package capsule

import (
	"net"
	"os"
	"runtime"
	"sort"
	"time"

	schemacapsule "github.com/davidahmann/tether/core/schema/v1/capsule"
)

// maxInterfaceNames caps the network enumeration so the environment
// section stays small on hosts with many virtual interfaces.
const maxInterfaceNames = 16

// captureEnvironment records host facts at creation time. Failures are
// tolerated field by field: an unreadable fact is left at its zero value
// rather than failing capsule creation.
func captureEnvironment(now time.Time) schemacapsule.Environment {
	env := schemacapsule.Environment{
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		Runtime:    runtime.Version(),
		PID:        os.Getpid(),
		Interfaces: []string{},
		CapturedAt: now.UTC(),
	}
	if hostname, err := os.Hostname(); err == nil {
		env.Hostname = hostname
	}
	if workingDir, err := os.Getwd(); err == nil {
		env.WorkingDir = workingDir
	}
	if interfaces, err := net.Interfaces(); err == nil {
		names := make([]string, 0, len(interfaces))
		for _, iface := range interfaces {
			names = append(names, iface.Name)
		}
		sort.Strings(names)
		if len(names) > maxInterfaceNames {
			names = names[:maxInterfaceNames]
		}
		env.Interfaces = names
	}
	return env
}
