package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/ndvalle/mostrador/internal/settings"
	"github.com/spf13/cobra"
)

func newSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Inspect and change runtime settings",
		Long: `Reads and writes the runtime configuration keys:

  ai_models, ai_prompts, whatsapp_tools, whatsapp_bot, whatsapp_context`,
	}

	cmd.AddCommand(newSettingsGetCmd())
	cmd.AddCommand(newSettingsSetCmd())
	cmd.AddCommand(newSettingsInvalidateCmd())
	return cmd
}

func newSettingsGetCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Print the effective value of a settings key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSettingsGet(cmd, configPath, settings.Key(args[0]))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	return cmd
}

func newSettingsSetCmd() *cobra.Command {
	var (
		configPath string
		file       string
		by         string
	)

	cmd := &cobra.Command{
		Use:   "set <key> [json]",
		Short: "Validate and store a settings value",
		Long:  "Stores a new value for key. The value is read from the argument, from --file, or from stdin with --file -.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw []byte
			switch {
			case len(args) == 2:
				raw = []byte(args[1])
			case file == "-":
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				raw = data
			case file != "":
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("read %s: %w", file, err)
				}
				raw = data
			default:
				return fmt.Errorf("settings set: pass a JSON value or --file")
			}
			return runSettingsSet(cmd, configPath, settings.Key(args[0]), raw, by)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the value from a file (- for stdin)")
	cmd.Flags().StringVar(&by, "by", "cli", "name recorded in the audit log")
	return cmd
}

func newSettingsInvalidateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "invalidate [key]",
		Short: "Drop cached settings so the next read hits the store",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := settings.Key("")
			if len(args) == 1 {
				key = settings.Key(args[0])
			}
			return runSettingsInvalidate(cmd, configPath, key)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	return cmd
}

// openSettings builds a settings service against the configured store.
func openSettings(cmd *cobra.Command, configPath string) (*settings.Service, func(), error) {
	cfg, gormDB, log, err := connectFromConfig(cmd, configPath)
	if err != nil {
		return nil, nil, err
	}
	svc, rdb, err := newSettings(cfg, gormDB, nil, &log)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if rdb != nil {
			rdb.Close()
		}
		if sqlDB, err := gormDB.DB(); err == nil {
			sqlDB.Close()
		}
	}
	return svc, closeFn, nil
}

func runSettingsGet(cmd *cobra.Command, configPath string, key settings.Key) error {
	if !settings.Known(key) {
		return fmt.Errorf("%w: %q", settings.ErrUnknownKey, key)
	}
	svc, closeFn, err := openSettings(cmd, configPath)
	if err != nil {
		return err
	}
	defer closeFn()

	var pretty bytes.Buffer
	raw := svc.Get(cmd.Context(), key)
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		pretty.Reset()
		pretty.Write(raw)
	}
	fmt.Fprintln(cmd.OutOrStdout(), pretty.String())
	return nil
}

func runSettingsSet(cmd *cobra.Command, configPath string, key settings.Key, raw []byte, by string) error {
	svc, closeFn, err := openSettings(cmd, configPath)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := svc.Set(cmd.Context(), key, raw, by); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Updated %s\n", key)
	return nil
}

func runSettingsInvalidate(cmd *cobra.Command, configPath string, key settings.Key) error {
	if key != "" && !settings.Known(key) {
		return fmt.Errorf("%w: %q", settings.ErrUnknownKey, key)
	}
	svc, closeFn, err := openSettings(cmd, configPath)
	if err != nil {
		return err
	}
	defer closeFn()

	out := cmd.OutOrStdout()
	if key != "" {
		if err := svc.Invalidate(cmd.Context(), key); err != nil {
			return err
		}
		fmt.Fprintf(out, "Invalidated %s\n", key)
		return nil
	}
	if err := svc.InvalidateAll(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintf(out, "Invalidated %d keys\n", len(settings.AllKeys))
	return nil
}
