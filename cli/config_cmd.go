package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/martinemde/drowcoder/config"
)

// NewConfigCmd groups the configuration management subcommands.
func NewConfigCmd(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "edit",
			Short: "Open the configuration file in $EDITOR",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return editConfig(cmd, opts.ConfigPath)
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Show the configuration file",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				path, err := filepath.Abs(opts.ConfigPath)
				if err != nil {
					return err
				}
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("config file not found: %s", path)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Configuration file: %s\n", path)
				fmt.Fprintln(out, strings.Repeat("-", 50))
				fmt.Fprintln(out, strings.TrimRight(string(data), "\n"))
				return nil
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Validate the configuration file",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := loadConfig(opts)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Configuration is valid: %s\n   Found %d model(s)\n", opts.ConfigPath, len(cfg.Models))
				return nil
			},
		},
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Set a dotted key in the configuration file",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := config.SetValue(opts.ConfigPath, args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Set %s in %s\n", args[0], opts.ConfigPath)
				return nil
			},
		},
		&cobra.Command{
			Use:   "install",
			Short: "Copy the configuration file to ~/.drowcoder/config.yaml",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				dst, err := config.UserPath()
				if err != nil {
					return err
				}
				if err := config.Install(opts.ConfigPath, dst); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Default config set to: %s\n   (Copied from: %s)\n", dst, opts.ConfigPath)
				return nil
			},
		},
	)
	return cmd
}

// editConfig opens path in the user's editor, offering to create it first.
func editConfig(cmd *cobra.Command, path string) error {
	path, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(out, "Config file not found: %s\nCreate new config file? (y/N): ", path)
		answer, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "y", "yes":
		default:
			return fmt.Errorf("config file not found: %s", path)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(out, "Created config file: %s\n", path)
	} else if err != nil {
		return err
	}

	editor := config.Editor()
	fmt.Fprintf(out, "Opening %s with %s...\n", path, editor[0])
	c := exec.CommandContext(cmd.Context(), editor[0], append(editor[1:], path)...)
	c.Stdin, c.Stdout, c.Stderr = os.Stdin, out, cmd.ErrOrStderr()
	if err := c.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("editor %q not found; set the EDITOR environment variable", editor[0])
		}
		return fmt.Errorf("run editor: %w", err)
	}
	return nil
}
