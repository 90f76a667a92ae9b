package cli

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Set with -ldflags "-X .../internal/cli.Version=...".
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var versionJSON bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := buildInfo()
		if versionJSON {
			return printJSON(cmd.OutOrStdout(), info)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "mnemo %s (commit %s, built %s, %s %s/%s)\n",
			info["version"], info["commit"], info["built"], info["go"], runtime.GOOS, runtime.GOARCH)
		return nil
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "print as JSON")
}

// buildInfo fills in the commit from the module's VCS stamp when ldflags
// did not set it, as with go install.
func buildInfo() map[string]string {
	info := map[string]string{
		"version": Version,
		"commit":  GitCommit,
		"built":   BuildTime,
		"go":      runtime.Version(),
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	if info["version"] == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info["version"] = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch {
		case s.Key == "vcs.revision" && info["commit"] == "unknown":
			info["commit"] = s.Value
		case s.Key == "vcs.time" && info["built"] == "unknown":
			info["built"] = s.Value
		}
	}
	return info
}
