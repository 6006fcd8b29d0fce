package cli

import (
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"

	"github.com/spf13/cobra"
)

// dependencyInfo is one entry of buildInfo's module graph, the same
// shape as the teacher's version.DependencyInfo.
type dependencyInfo struct {
	Path    string `json:"path"`
	Version string `json:"version"`
	Replace string `json:"replace,omitempty"`
}

// buildInfo reports the binary's module and dependency versions, the
// same runtime/debug.ReadBuildInfo introspection as the teacher's
// version.GetBuildInfo, adapted from a standalone package into a
// buildgraphd subcommand.
type buildInfo struct {
	GoVersion    string           `json:"goVersion"`
	MainModule   string           `json:"mainModule"`
	MainVersion  string           `json:"mainVersion"`
	Dependencies []dependencyInfo `json:"dependencies"`
}

func getBuildInfo() buildInfo {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return buildInfo{GoVersion: "unknown", MainModule: "unknown", MainVersion: "unknown"}
	}

	bi := buildInfo{
		GoVersion:    info.GoVersion,
		MainModule:   info.Path,
		MainVersion:  info.Main.Version,
		Dependencies: make([]dependencyInfo, 0, len(info.Deps)),
	}
	for _, dep := range info.Deps {
		d := dependencyInfo{Path: dep.Path, Version: dep.Version}
		if dep.Replace != nil {
			d.Replace = dep.Replace.Path + "@" + dep.Replace.Version
		}
		bi.Dependencies = append(bi.Dependencies, d)
	}
	sort.Slice(bi.Dependencies, func(i, j int) bool { return bi.Dependencies[i].Path < bi.Dependencies[j].Path })
	return bi
}

var versionJSON bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print build and dependency version information",
	Run: func(cmd *cobra.Command, args []string) {
		bi := getBuildInfo()
		if versionJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			enc.Encode(bi)
			return
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s (go %s)\n", bi.MainModule, bi.MainVersion, bi.GoVersion)
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "print full dependency list as JSON")
	RootCmd.AddCommand(versionCmd)
}
