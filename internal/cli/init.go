package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the local store",
	Long: `Create the data directory, the encrypted local store and a device
identity, and write a config file template if none exists. The passphrase
entered here seals everything the store will ever hold; there is no recovery
without it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		if viper.ConfigFileUsed() == "" {
			path := filepath.Join(app.cfg.DataDir, "config.yaml")
			if err := os.WriteFile(path, []byte(configTemplate), 0o600); err != nil {
				return fmt.Errorf("failed to write config template: %w", err)
			}
			fmt.Printf("Wrote config template to %s\n", path)
		}

		fmt.Printf("Initialized store in %s\n", app.cfg.DataDir)
		fmt.Printf("Device id: %s\n", app.deviceID)
		return nil
	},
}

const configTemplate = `# keepsake configuration
#
# Pick one remote kind and fill in its fields. The remote only ever sees
# ciphertext, so an untrusted folder or WebDAV server is fine.

# remote:
#   kind: dir
#   path: /mnt/share/keepsake
#   root: vaults/main

# remote:
#   kind: webdav
#   url: https://dav.example.com/remote.php/dav/files/me
#   username: me
#   password: app-password
#   root: keepsake

# remote:
#   kind: vault
#   url: https://vault.keepsake.app
#   vault_id: your-vault-id
#   token: your-bearer-token

log:
  level: info
`
