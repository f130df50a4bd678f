package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ip2tor/shop/internal/config"
	"github.com/ip2tor/shop/internal/db"
	shophttp "github.com/ip2tor/shop/internal/http"
	"github.com/ip2tor/shop/internal/seed"
)

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema and tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			database, err := db.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer database.Close()

			if err := database.Migrate(ctx); err != nil {
				return err
			}
			log.Info().Str("schema", database.Schema).Msg("migrations applied")
			return nil
		},
	}
}

func newSweepCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run the bridge lifecycle sweep once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			report, err := a.bridges.Sweep(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "initial expired: %d\nsuspended expired: %d\nsuspended: %d\ndeleted: %d\nfailures: %d\n",
				report.InitialExpired, report.SuspendedExpired, report.Suspended, report.Deleted, report.Failures)
			return err
		},
	}
}

type seedCmd struct {
	configPath *string
	file       string
	dryRun     bool
}

func (c *seedCmd) run(ctx context.Context, cmd *cobra.Command) error {
	file, err := seed.Load(c.file)
	if err != nil {
		return err
	}
	if c.dryRun {
		fmt.Fprintf(cmd.OutOrStdout(), "%s is valid: %d owners, %d hosts, %d nodes, %d deny list entries\n",
			c.file, len(file.Owners), len(file.Hosts), len(file.Nodes), len(file.DenyList))
		return nil
	}

	cfg, err := config.Load(*c.configPath)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	sum, err := seed.Apply(ctx, seed.Stores{
		Hosts:      a.hostRepo,
		PortRanges: a.rangeRepo,
		Nodes:      a.nodeRepo,
		DenyList:   a.denyRepo,
	}, file)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "seeded %d owners, %d hosts, %d port ranges, %d nodes, %d deny list entries\n",
		sum.Owners, sum.Hosts, sum.PortRanges, sum.Nodes, sum.DenyList)
	return nil
}

func newSeedCmd(configPath *string) *cobra.Command {
	c := &seedCmd{configPath: configPath}
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load owners, hosts, port ranges, nodes and deny list entries from YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd.Context(), cmd)
		},
	}
	cmd.Flags().StringVarP(&c.file, "file", "f", "", "Seed file")
	cmd.Flags().BoolVar(&c.dryRun, "dry-run", false, "Only validate the file")
	cmd.MarkFlagRequired("file")
	return cmd
}

type tokenCmd struct {
	configPath *string
	hostID     string
	admin      string
	ttl        time.Duration
}

func (c *tokenCmd) validate() error {
	if (c.hostID == "") == (c.admin == "") {
		return errors.New("exactly one of --host or --admin is required")
	}
	return nil
}

func (c *tokenCmd) run(cmd *cobra.Command) error {
	cfg, err := config.Load(*c.configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	role, subject := shophttp.RoleHost, c.hostID
	if c.admin != "" {
		role, subject = shophttp.RoleAdmin, c.admin
	}
	token, err := shophttp.IssueToken(cfg.JWT.SecretKey, role, subject, c.ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func newTokenCmd(configPath *string) *cobra.Command {
	c := &tokenCmd{configPath: configPath}
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token for a host agent or an operator",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.validate(); err != nil {
				return err
			}
			return c.run(cmd)
		},
	}
	cmd.Flags().StringVar(&c.hostID, "host", "", "Host id the token authenticates")
	cmd.Flags().StringVar(&c.admin, "admin", "", "Operator name for an admin token")
	cmd.Flags().DurationVar(&c.ttl, "ttl", 0, "Token lifetime, 0 for no expiry")
	return cmd
}
