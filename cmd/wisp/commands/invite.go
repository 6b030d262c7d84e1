package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/opd-ai/wisp"
	"github.com/opd-ai/wisp/records"
	"github.com/opd-ai/wisp/transport"
)

func inviteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invite",
		Short: "Create and inspect contact invites",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create",
		Short: "Issue an invite for the local identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			// A throwaway record store and transport are enough to
			// issue an invite; only the identity has to be durable,
			// and DataDir keeps it in the node database.
			opts := wisp.NewOptions()
			opts.RecordStore = records.NewMemStore()
			opts.Transport = transport.NewMemNetwork().Transport("local")
			opts.DataDir = cfg.DataDir
			opts.DisplayName = cfg.DisplayName
			opts.StatusMessage = cfg.StatusMessage

			node, err := wisp.New(opts)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			defer node.Shutdown(ctx)

			inv, err := node.CreateInvite()
			if err != nil {
				return err
			}
			fmt.Println(inv)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "parse <invite>",
		Short: "Decode an invite and verify its signature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := wisp.ParsePeerInvite(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Public key:   %x\n", inv.PublicKey)
			fmt.Printf("Display name: %s\n", inv.DisplayName)
			fmt.Printf("Presence key: %s\n", inv.PresenceKey.Hex())
			fmt.Printf("Route token:  %s\n", inv.RouteToken)
			fmt.Printf("Key bundle:   %d bytes\n", len(inv.KeyBundle))
			return nil
		},
	})

	return cmd
}
