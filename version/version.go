package version

import (
	"fmt"
	"runtime"
)

// Overridden at build time via -ldflags "-X ...".
var (
	NAME     = "deskgate"
	VERSION  = "unknown"
	REVISION = "HEAD"
	BUILTAT  = "now"
)

// String returns the multi-line version report printed by "deskgate version".
func String() string {
	version := fmt.Sprintf("%s\n", NAME)
	version += fmt.Sprintf("Version:        %s\n", VERSION)
	version += fmt.Sprintf("Git hash:       %s\n", REVISION)
	version += fmt.Sprintf("Built:          %s\n", BUILTAT)
	version += fmt.Sprintf("Golang version: %s\n", runtime.Version())
	version += fmt.Sprintf("OS/Arch:        %s/%s\n", runtime.GOOS, runtime.GOARCH)
	return version
}
