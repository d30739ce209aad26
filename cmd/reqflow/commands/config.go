package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/JingHuan921/secondhalf-coding/internal/config"
)

var (
	configGlobal bool
	configForce  bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and write configuration",
	Long:  `Show the merged configuration and the paths reqflow reads it from.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := json.MarshalIndent(appConfig, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var configPathsCmd = &cobra.Command{
	Use:   "paths",
	Short: "Show config and log paths",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := GetWorkDir(workDir)
		if err != nil {
			return err
		}
		printPaths(cmd.OutOrStdout(), config.GetPaths(), dir)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the effective configuration to a config file",
	Long: `Write the effective configuration to the project config file
(.reqflow/reqflow.jsonc), or with --global to the user config file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.GlobalConfigPath()
		if !configGlobal {
			dir, err := GetWorkDir(workDir)
			if err != nil {
				return err
			}
			path = config.ProjectConfigPath(dir)
		}
		if err := writeConfig(afero.NewOsFs(), appConfig, path, configForce); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configGlobal, "global", false, "Write the user config instead of the project config")
	configInitCmd.Flags().BoolVarP(&configForce, "force", "f", false, "Overwrite an existing file")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathsCmd)
	configCmd.AddCommand(configInitCmd)
}

// writeConfig saves cfg to path, refusing to replace a file unless force is set.
func writeConfig(fs afero.Fs, cfg *config.Config, path string, force bool) error {
	exists, err := afero.Exists(fs, path)
	if err != nil {
		return err
	}
	if exists && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	return config.Save(fs, cfg, path)
}

func printPaths(w io.Writer, paths *config.Paths, dir string) {
	fmt.Fprintln(w, "reqflow paths:")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Config:   %s\n", paths.Config)
	fmt.Fprintf(w, "  Global:   %s\n", config.GlobalConfigPath())
	fmt.Fprintf(w, "  Project:  %s\n", config.ProjectConfigPath(dir))
	fmt.Fprintf(w, "  State:    %s\n", paths.State)
	fmt.Fprintf(w, "  Logs:     %s\n", paths.LogDir())
}
