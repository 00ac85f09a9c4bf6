package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/galadd/labwarden/internal/config"
	"github.com/galadd/labwarden/internal/model"
	"github.com/galadd/labwarden/internal/orchestrator"
)

func newLabsCommand(c *cli) *cobra.Command {
	var catalogPath string

	cmd := &cobra.Command{
		Use:   "labs",
		Short: "List the labs in the local catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			catalog, err := config.LoadCatalog(catalogPath)
			if err != nil {
				return err
			}
			c.logger.Debug("catalog loaded", "command", "labs", "path", catalogPath)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "SLUG\tIMAGE\tPORT\tMEMORY\tCPUS")
			for _, spec := range catalog.All() {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%g\n", spec.Slug, spec.Image, spec.InternalPort, units.BytesSize(float64(spec.MemoryBytes)), spec.CPUs)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&catalogPath, "catalog", envOr("LAB_CATALOG", "labs.yaml"), "path to the lab catalog")
	return cmd
}

func newStartCommand(c *cli) *cobra.Command {
	var userID, labID int64

	cmd := &cobra.Command{
		Use:   "start <slug>",
		Short: "Start a lab for a user, or return the one already running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := c.logger.With("command", "start", "slug", args[0], "user", userID, "lab", labID)
			cmdLogger.Debug("requesting lab start", "server", c.server)

			inst, err := c.client().Start(cmd.Context(), args[0], userID, labID)
			if err != nil {
				return err
			}
			printInstances(cmd.OutOrStdout(), []*model.Instance{inst})
			return nil
		},
	}

	pairFlags(cmd, &userID, &labID)
	return cmd
}

func newStopCommand(c *cli) *cobra.Command {
	var (
		userID, labID int64
		instanceID    string
	)

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a lab by instance id or by user and lab",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := c.client()
			if instanceID != "" {
				if err := client.Stop(cmd.Context(), instanceID); err != nil {
					return err
				}
			} else {
				if userID <= 0 || labID <= 0 {
					return fmt.Errorf("either --instance or both --user and --lab are required")
				}
				if err := client.StopFor(cmd.Context(), userID, labID); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Lab stopped")
			return nil
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "user id")
	cmd.Flags().Int64Var(&labID, "lab", 0, "lab id")
	cmd.Flags().StringVar(&instanceID, "instance", "", "instance id")
	return cmd
}

func newStatusCommand(c *cli) *cobra.Command {
	var (
		userID, labID int64
		instanceID    string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether a lab is running and where to reach it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := c.client()
			out := cmd.OutOrStdout()

			if instanceID != "" {
				inst, err := client.Status(cmd.Context(), instanceID)
				if err != nil {
					return err
				}
				printInstances(out, []*model.Instance{inst})
				return nil
			}

			if userID <= 0 || labID <= 0 {
				return fmt.Errorf("either --instance or both --user and --lab are required")
			}
			access, err := client.StatusFor(cmd.Context(), userID, labID)
			if err != nil {
				return err
			}
			printAccess(out, access)
			return nil
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "user id")
	cmd.Flags().Int64Var(&labID, "lab", 0, "lab id")
	cmd.Flags().StringVar(&instanceID, "instance", "", "instance id")
	return cmd
}

func newListCommand(c *cli) *cobra.Command {
	var userID int64

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every instance a user has had, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := c.client().ListForUser(cmd.Context(), userID)
			if err != nil {
				return err
			}
			printInstances(cmd.OutOrStdout(), list)
			return nil
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newSweepCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Stop every lab past its deadline now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			report, err := c.client().CleanupExpired(cmd.Context())
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), report)
			return nil
		},
	}
}

func newCleanupUserCommand(c *cli) *cobra.Command {
	var userID int64

	cmd := &cobra.Command{
		Use:   "cleanup-user",
		Short: "Stop every running lab of a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmdLogger := c.logger.With("command", "cleanup-user", "user", userID)
			report, err := c.client().CleanupForUser(cmd.Context(), userID)
			if err != nil {
				return err
			}
			if report.Failed() > 0 {
				cmdLogger.Warn("some labs could not be stopped", "failed", report.Failed())
			}
			printReport(cmd.OutOrStdout(), report)
			return nil
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newOrphansCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "orphans",
		Short: "List lab containers no running instance accounts for",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			orphans, err := c.client().Orphans(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "CONTAINER\tNAME\tSTATE")
			for _, o := range orphans {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", shortID(o.ID), o.Name, o.State)
			}
			return tw.Flush()
		},
	}
}

func pairFlags(cmd *cobra.Command, userID, labID *int64) {
	cmd.Flags().Int64Var(userID, "user", 0, "user id")
	cmd.Flags().Int64Var(labID, "lab", 0, "lab id")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("lab")
}

func printInstances(w io.Writer, list []*model.Instance) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tLAB\tSTATUS\tURL\tEXPIRES\tMESSAGE")
	for _, inst := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", inst.ID, inst.LabSlug, inst.Status, inst.URL, formatTime(inst.ExpiresAt), inst.Message)
	}
	tw.Flush()
}

func printAccess(w io.Writer, access orchestrator.Access) {
	if !access.Running {
		fmt.Fprintln(w, "not running")
		return
	}
	fmt.Fprintf(w, "running at %s (expires %s)\n", access.URL, formatTime(access.ExpiresAt))
}

func printReport(w io.Writer, report orchestrator.Report) {
	if len(report.Results) == 0 {
		fmt.Fprintln(w, "nothing to stop")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "INSTANCE\tSTOPPED\tMESSAGE")
	for _, res := range report.Results {
		fmt.Fprintf(tw, "%s\t%t\t%s\n", res.InstanceID, res.Success, res.Message)
	}
	tw.Flush()
	fmt.Fprintf(w, "%d stopped, %d failed\n", report.Stopped(), report.Failed())
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
