package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/splax/releasectl/pkg/client"
)

func newVersionsCmd(remote *remoteFlags) *cobra.Command {
	cmd := &cobra.Command{Use: "versions", Short: "Inspect and register versions"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered versions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := remote.client()
			if err != nil {
				return err
			}
			versions, err := c.ListVersions(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), versions)
		},
	}

	var in client.CreateVersionInput
	create := &cobra.Command{
		Use:   "create",
		Short: "Register the next version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := remote.client()
			if err != nil {
				return err
			}
			v, err := c.CreateVersion(cmd.Context(), in)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), v)
		},
	}
	create.Flags().StringVar(&in.Increment, "increment", "patch", "major, minor, patch or prerelease")
	create.Flags().StringVar(&in.PrereleaseTag, "prerelease", "", "prerelease tag")
	create.Flags().StringSliceVar(&in.Changelog, "changelog", nil, "changelog entries")
	create.Flags().BoolVar(&in.BreakingChanges, "breaking", false, "mark the version as breaking")
	create.Flags().StringVar(&in.CommitHash, "commit", "", "source commit")
	create.Flags().StringVar(&in.Branch, "branch", "", "source branch")
	create.Flags().StringToStringVar(&in.Dependencies, "dependency", nil, "name=constraint dependency requirements")

	compat := &cobra.Command{
		Use:   "compatible <v1> <v2>",
		Short: "Check whether two versions are compatible",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := remote.client()
			if err != nil {
				return err
			}
			ok, err := c.Compatible(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ok)
			return nil
		},
	}

	cmd.AddCommand(list, create, compat)
	return cmd
}

func newDeployCmd(remote *remoteFlags) *cobra.Command {
	cmd := &cobra.Command{Use: "deploy", Short: "Start and track deployments"}

	var req client.DeploymentRequest
	start := &cobra.Command{
		Use:   "start <version>",
		Short: "Deploy a registered version to an environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := remote.client()
			if err != nil {
				return err
			}
			req.Version = args[0]
			d, err := c.StartDeployment(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), d)
		},
	}
	start.Flags().StringVarP(&req.EnvironmentID, "environment", "e", "", "target environment")
	start.Flags().StringVar(&req.Strategy, "strategy", "rolling", "blue_green, rolling, canary or recreate")
	start.Flags().IntVar(&req.Params.BatchSize, "batch-size", 0, "rolling batch size")
	start.Flags().IntSliceVar(&req.Params.CanarySteps, "canary-steps", nil, "canary traffic percentages")
	start.Flags().BoolVar(&req.RunMigrations, "migrate", false, "run pending migrations first")
	start.Flags().BoolVar(&req.RollbackOnFailure, "rollback-on-failure", true, "restore the pre-deployment point on failure")
	start.Flags().BoolVar(&req.RequireApproval, "require-approval", false, "refuse to run without --approved-by")
	start.Flags().StringVar(&req.ApprovedBy, "approved-by", "", "approver of this deployment")
	_ = start.MarkFlagRequired("environment")

	status := &cobra.Command{
		Use:   "status <id>",
		Short: "Show one deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := remote.client()
			if err != nil {
				return err
			}
			d, err := c.GetDeployment(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), d)
		},
	}

	var (
		listEnv   string
		listLimit int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent deployments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := remote.client()
			if err != nil {
				return err
			}
			ds, err := c.ListDeployments(cmd.Context(), listEnv, listLimit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ds)
		},
	}
	list.Flags().StringVarP(&listEnv, "environment", "e", "", "filter by environment")
	list.Flags().IntVar(&listLimit, "limit", 20, "maximum deployments to show")

	rollback := &cobra.Command{
		Use:   "rollback <id>",
		Short: "Roll a deployment back to its pre-deployment point",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := remote.client()
			if err != nil {
				return err
			}
			d, err := c.RollbackDeployment(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), d)
		},
	}

	cmd.AddCommand(start, status, list, rollback)
	return cmd
}

func newHotUpdateCmd(remote *remoteFlags) *cobra.Command {
	cmd := &cobra.Command{Use: "hotupdate", Aliases: []string{"hu"}, Short: "Manage hot updates"}

	var file, script string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a hot update from a YAML manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := readHotUpdate(file, script)
			if err != nil {
				return err
			}
			c, err := remote.client()
			if err != nil {
				return err
			}
			u, err := c.CreateHotUpdate(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), u)
		},
	}
	create.Flags().StringVarP(&file, "file", "f", "", "hot update manifest")
	create.Flags().StringVar(&script, "script", "", "patch script, overrides the manifest's script")
	_ = create.MarkFlagRequired("file")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one hot update",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := remote.client()
			if err != nil {
				return err
			}
			u, err := c.GetHotUpdate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), u)
		},
	}

	var (
		reject     bool
		conditions []string
	)
	approve := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve (or reject) a hot update as the token's operator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := remote.client()
			if err != nil {
				return err
			}
			u, err := c.ApproveHotUpdate(cmd.Context(), args[0], !reject, conditions)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), u)
		},
	}
	approve.Flags().BoolVar(&reject, "reject", false, "record a rejection")
	approve.Flags().StringSliceVar(&conditions, "condition", nil, "conditions attached to the approval")

	test := &cobra.Command{
		Use:   "test <id>",
		Short: "Run the pre-rollout gates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := remote.client()
			if err != nil {
				return err
			}
			report, err := c.TestHotUpdate(cmd.Context(), args[0])
			if len(report.Results) > 0 {
				if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
					return perr
				}
			}
			return err
		},
	}

	var reason string
	cancel := hotUpdateAction(remote, "cancel", "Cancel a hot update that has not started rolling out", func() any {
		if reason == "" {
			return nil
		}
		return map[string]string{"reason": reason}
	})
	cancel.Flags().StringVar(&reason, "reason", "", "cancellation reason")

	cmd.AddCommand(
		create, get, approve, test,
		hotUpdateAction(remote, "submit", "Submit a draft for approval", nil),
		hotUpdateAction(remote, "rollout", "Start the staged rollout", nil),
		hotUpdateAction(remote, "rollback", "Revert the patch on every updated instance", nil),
		cancel,
	)
	return cmd
}

func hotUpdateAction(remote *remoteFlags, action, short string, body func() any) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := remote.client()
			if err != nil {
				return err
			}
			var payload any
			if body != nil {
				payload = body()
			}
			u, err := c.HotUpdateAction(cmd.Context(), args[0], action, payload)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), u)
		},
	}
}

func readHotUpdate(file, script string) (client.HotUpdateRequest, error) {
	var req client.HotUpdateRequest
	raw, err := os.ReadFile(file)
	if err != nil {
		return req, fmt.Errorf("read manifest: %w", err)
	}
	if err := yaml.Unmarshal(raw, &req); err != nil {
		return req, fmt.Errorf("parse manifest %s: %w", file, err)
	}
	if script != "" {
		body, err := os.ReadFile(script)
		if err != nil {
			return req, fmt.Errorf("read script: %w", err)
		}
		req.Script = string(body)
	}
	if strings.TrimSpace(req.Script) == "" {
		return req, fmt.Errorf("manifest %s has no script", file)
	}
	return req, nil
}

func newRollbackCmd(remote *remoteFlags) *cobra.Command {
	cmd := &cobra.Command{Use: "rollback", Short: "Rollback points and emergency rollback"}

	var yes bool
	emergency := &cobra.Command{
		Use:   "emergency <environment>",
		Short: "Restore the newest available point of an environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes && !confirm(cmd, args[0]) {
				return fmt.Errorf("emergency rollback of %s requires --yes", args[0])
			}
			c, err := remote.client()
			if err != nil {
				return err
			}
			p, err := c.EmergencyRollback(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), p)
		},
	}
	emergency.Flags().BoolVar(&yes, "yes", false, "skip the interactive confirmation")

	list := &cobra.Command{
		Use:   "list <environment>",
		Short: "List an environment's rollback points",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := remote.client()
			if err != nil {
				return err
			}
			points, err := c.ListRollbackPoints(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), points)
		},
	}

	cmd.AddCommand(emergency, list)
	return cmd
}

// confirm asks an interactive operator to retype the environment name.
// Without a terminal on stdin it refuses.
func confirm(cmd *cobra.Command, environmentID string) bool {
	in, ok := cmd.InOrStdin().(*os.File)
	if !ok || !term.IsTerminal(int(in.Fd())) {
		return false
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Type %q to roll it back to its newest rollback point: ", environmentID)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil {
		return false
	}
	return strings.TrimSpace(line) == environmentID
}
