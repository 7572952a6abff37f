package main

import (
	"fmt"

	"github.com/ndvalle/mostrador/internal/db"
	"github.com/spf13/cobra"
)

func newSeedCmd() *cobra.Command {
	var (
		configPath string
		demo       bool
	)

	cmd := &cobra.Command{
		Use:   "seed [catalog.yaml]",
		Short: "Load branches, services and products into the catalog",
		Long: `Upserts the catalog from a YAML seed file. Rows are matched by their
codes and SKUs, so seeding the same file twice changes nothing.

With --demo the built-in demo catalog is loaded instead.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			return runSeed(cmd, configPath, path, demo)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	cmd.Flags().BoolVar(&demo, "demo", false, "load the built-in demo catalog")
	return cmd
}

func runSeed(cmd *cobra.Command, configPath, catalogPath string, demo bool) error {
	if (catalogPath == "") == !demo {
		return fmt.Errorf("seed: pass a catalog file or --demo")
	}

	var catalog *db.Catalog
	if demo {
		catalog = db.DemoCatalog()
	} else {
		c, err := db.LoadCatalog(catalogPath)
		if err != nil {
			return err
		}
		catalog = c
	}

	_, gormDB, _, err := connectFromConfig(cmd, configPath)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	if err := db.SeedCatalog(gormDB, catalog); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Seeded %d branches, %d services, %d products\n",
		len(catalog.Branches), len(catalog.Services), len(catalog.Products))
	return nil
}
