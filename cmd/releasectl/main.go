package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/splax/releasectl/pkg/client"
	"github.com/splax/releasectl/pkg/config"
)

var buildVersion = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// remoteFlags are shared by the commands that talk to a running controller.
type remoteFlags struct {
	server string
	token  string
}

func (f *remoteFlags) client() (*client.Client, error) {
	return client.New(f.server, client.WithToken(f.token), client.WithUserAgent("releasectl/"+buildVersion))
}

func newRootCmd() *cobra.Command {
	remote := &remoteFlags{}
	root := &cobra.Command{
		Use:          "releasectl",
		Short:        "Versioned deployments, rollback points and hot updates",
		Version:      buildVersion,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&remote.server, "server", config.GetString("RELEASECTL_SERVER", client.DefaultBaseURL), "controller API address")
	root.PersistentFlags().StringVar(&remote.token, "token", config.GetString("RELEASECTL_TOKEN", ""), "operator bearer token")

	root.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newTokenCmd(),
		newVersionsCmd(remote),
		newDeployCmd(remote),
		newHotUpdateCmd(remote),
		newRollbackCmd(remote),
	)
	return root
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
