package cmd

import (
	"fmt"
	"io"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Set with -ldflags "-X github.com/abhisek/codecoach/cmd.version=..." by
// release builds.
var (
	version = ""
	commit  = ""
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the codecoach version and build details",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		info, _ := debug.ReadBuildInfo()
		printVersion(cmd.OutOrStdout(), info)
	},
}

// buildVersion prefers the linker-provided values and falls back to what
// the Go toolchain stamped into the binary.
func buildVersion(info *debug.BuildInfo) (ver, rev string, dirty bool) {
	ver, rev = version, commit
	if info == nil {
		if ver == "" {
			ver = "(devel)"
		}
		return ver, rev, false
	}
	if ver == "" {
		ver = info.Main.Version
	}
	if ver == "" {
		ver = "(devel)"
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if rev == "" {
				rev = s.Value
			}
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	return ver, rev, dirty
}

func printVersion(w io.Writer, info *debug.BuildInfo) {
	ver, rev, dirty := buildVersion(info)
	fmt.Fprintf(w, "codecoach %s\n", ver)
	if rev != "" {
		if dirty {
			rev += "-dirty"
		}
		fmt.Fprintf(w, "  commit: %s\n", rev)
	}
	goVersion := runtime.Version()
	if info != nil && info.GoVersion != "" {
		goVersion = info.GoVersion
	}
	fmt.Fprintf(w, "  go:     %s %s/%s\n", goVersion, runtime.GOOS, runtime.GOARCH)
}
