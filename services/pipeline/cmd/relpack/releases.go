package main

import (
	"os"

	"github.com/spf13/cobra"

	"relpack/services/pipeline"
)

func newReleasesCommand(a *app) *cobra.Command {
	var registry string

	cmd := &cobra.Command{
		Use:   "releases",
		Short: "Inspect published releases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.PersistentFlags().StringVar(&registry, "registry", "", "Release registry: github, s3, postgres, sqlite, memory")

	open := func(cmd *cobra.Command) (*deps, error) {
		if registry != "" {
			a.cfg.Registry = registry
		}
		d := &deps{}
		if err := d.openRegistry(cmd.Context(), a.cfg); err != nil {
			d.Close()
			return nil, err
		}
		return d, nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List releases",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := open(cmd)
			if err != nil {
				return err
			}
			defer d.Close()

			all, err := d.registry.List(cmd.Context())
			if err != nil {
				return err
			}
			return printReleases(os.Stdout, all, a.jsonOutput())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get TAG",
		Short: "Show one release and its assets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := open(cmd)
			if err != nil {
				return err
			}
			defer d.Close()

			rel, err := d.registry.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printRelease(os.Stdout, rel, a.jsonOutput())
		},
	})
	return cmd
}

func newHistoryCommand(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent runs recorded in DATABASE_URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			d := &deps{}
			defer d.Close()
			pool, err := d.openPool(cmd.Context(), a.cfg)
			if err != nil {
				return err
			}
			history, err := pipeline.NewPGHistory(pool)
			if err != nil {
				return err
			}
			records, err := history.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printHistory(os.Stdout, records, a.jsonOutput())
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of runs to show")
	return cmd
}
