package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/opd-ai/wisp/crypto"
	"github.com/opd-ai/wisp/storage"
)

const databaseFile = "wisp.db"

// openIdentity opens the node database under the configured data
// directory and loads or creates the long-term identity.
func openIdentity() (*crypto.Identity, func(), error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	store, err := storage.NewBoltStore(filepath.Join(cfg.DataDir, databaseFile))
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	id, err := crypto.LoadOrCreateIdentity(store)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("load identity: %w", err)
	}
	return id, func() { store.Close() }, nil
}

func identityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage the local identity",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create the local identity if it does not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, closeStore, err := openIdentity()
			if err != nil {
				return err
			}
			defer closeStore()
			fmt.Println("Identity ready.")
			fmt.Printf("Public key: %x\n", id.PublicKey())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the local public key",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join(cfg.DataDir, databaseFile)
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("no identity in %s, run `wisp identity init` first", cfg.DataDir)
			}
			id, closeStore, err := openIdentity()
			if err != nil {
				return err
			}
			defer closeStore()
			fmt.Printf("Public key: %x\n", id.PublicKey())
			return nil
		},
	})

	return cmd
}
