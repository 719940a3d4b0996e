package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/arcusdb/realmsync/internal/cli/prompt"
	"github.com/arcusdb/realmsync/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a starting configuration file",
	Long: `Initialize a starting realmsyncd configuration file.

By default, the configuration file is created at
$XDG_CONFIG_HOME/realmsyncd/config.yaml. Use --config to specify a custom
path.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configFile := GetConfigFile()

	configPath := configFile
	if configPath == "" {
		configPath = config.GetDefaultConfigPath()
	}

	force := initForce
	if !force {
		if _, err := os.Stat(configPath); err == nil {
			confirmed, err := prompt.ConfirmWithForce(fmt.Sprintf("%s already exists, overwrite it?", configPath), false)
			if err != nil {
				if prompt.IsAborted(err) {
					fmt.Println("aborted")
					return nil
				}
				return err
			}
			if !confirmed {
				fmt.Println("aborted")
				return nil
			}
			force = true
		}
	}

	if err := config.InitConfigToPath(configPath, force); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file to customize your setup")
	fmt.Println("  2. Start the server with: realmsyncd start")
	fmt.Printf("  3. Or specify a custom config: realmsyncd start --config %s\n", configPath)
	fmt.Println("\nSecurity note:")
	fmt.Println("  A random auth secret has been generated for development use.")
	fmt.Println("  For production, generate a secure secret and set it via environment variable:")
	fmt.Println("    export REALMSYNC_AUTH_SECRET=$(openssl rand -hex 32)")

	return nil
}
