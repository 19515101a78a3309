package main

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/vango-dev/wavebench/internal/config"
	"github.com/vango-dev/wavebench/pkg/protocol"
)

// buildInfo is what `wavebench version` reports.
type buildInfo struct {
	Version        string `json:"version"`
	Commit         string `json:"commit"`
	Built          string `json:"built"`
	GoVersion      string `json:"go_version"`
	Platform       string `json:"platform"`
	Protocol       string `json:"protocol"`
	LogPort        int    `json:"log_port"`
	RendezvousPort int    `json:"rendezvous_port"`
}

func currentBuild() buildInfo {
	wire := fmt.Sprintf("%s<id> / %s / %s / %s",
		protocol.ReadyPrefix, protocol.TokenRun, protocol.TokenAbort, protocol.TokenClose)
	return buildInfo{
		Version:        version,
		Commit:         commit,
		Built:          date,
		GoVersion:      runtime.Version(),
		Platform:       runtime.GOOS + "/" + runtime.GOARCH,
		Protocol:       wire,
		LogPort:        config.DefaultPort,
		RendezvousPort: config.DefaultPort + 1,
	}
}

func versionCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the wavebench build and the wire protocol it speaks",
		Long: `Print the wavebench build together with the worker wire protocol
and default ports, so a driver and remotely deployed workers can be
checked for compatibility.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			bi := currentBuild()
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(bi)
			}

			fmt.Printf("wavebench %s (%s, built %s)\n", bi.Version, bi.Commit, bi.Built)
			fmt.Printf("  Protocol:   %s\n", bi.Protocol)
			fmt.Printf("  Ports:      logs %d, rendezvous %d\n", bi.LogPort, bi.RendezvousPort)
			fmt.Printf("  Go:         %s %s\n", bi.GoVersion, bi.Platform)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print build information as JSON")

	return cmd
}
