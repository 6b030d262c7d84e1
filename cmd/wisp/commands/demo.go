package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/opd-ai/wisp"
	"github.com/opd-ai/wisp/records"
	"github.com/opd-ai/wisp/transport"
)

const demoTimeout = 15 * time.Second

// demoNode starts an in-process node on the shared mesh.
func demoNode(store records.Store, net *transport.MemNetwork, name string) (*wisp.Wisp, error) {
	opts := wisp.NewOptions()
	opts.RecordStore = store
	opts.Transport = net.Transport(name)
	opts.DisplayName = name
	return wisp.New(opts)
}

func demoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Run two in-process nodes through an encrypted exchange",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), demoTimeout)
			defer cancel()

			store := records.NewMemStore()
			mesh := transport.NewMemNetwork()

			alice, err := demoNode(store, mesh, "alice")
			if err != nil {
				return fmt.Errorf("start alice: %w", err)
			}
			defer alice.Shutdown(context.Background())
			bob, err := demoNode(store, mesh, "bob")
			if err != nil {
				return fmt.Errorf("start bob: %w", err)
			}
			defer bob.Shutdown(context.Background())

			aliceInbox := make(chan string, 4)
			bobInbox := make(chan string, 4)
			receipts := make(chan uuid.UUID, 4)
			alice.OnMessageReceived(func(peer [32]byte, msg []byte, sentAt time.Time, authenticated bool) {
				aliceInbox <- string(msg)
			})
			bob.OnMessageReceived(func(peer [32]byte, msg []byte, sentAt time.Time, authenticated bool) {
				bobInbox <- string(msg)
			})
			bob.OnReceipt(func(peer [32]byte, messageID uuid.UUID) {
				receipts <- messageID
			})

			inv, err := alice.CreateInvite()
			if err != nil {
				return fmt.Errorf("create invite: %w", err)
			}
			fmt.Println("alice issued an invite")

			alicePub, err := bob.AddPeer(ctx, inv)
			if err != nil {
				return fmt.Errorf("add peer: %w", err)
			}
			fmt.Printf("bob added alice (%x...)\n", alicePub[:4])

			// The invite holder opens the session; the first flight
			// carries the key agreement.
			id, err := bob.SendMessage(ctx, alicePub, "hello from bob")
			if err != nil {
				return fmt.Errorf("bob send: %w", err)
			}
			fmt.Println("bob sent an encrypted message")

			select {
			case msg := <-aliceInbox:
				fmt.Printf("alice received: %q\n", msg)
			case <-ctx.Done():
				return fmt.Errorf("alice never received the message")
			}

			select {
			case got := <-receipts:
				if got == id {
					fmt.Println("bob got the delivery receipt")
				}
			case <-ctx.Done():
				return fmt.Errorf("bob never got a receipt")
			}

			// Alice replies without ever seeing an invite; bob's mailbox
			// record resolves his route.
			if _, err := alice.SendMessage(ctx, bob.PublicKey(), "hello back from alice"); err != nil {
				return fmt.Errorf("alice send: %w", err)
			}
			select {
			case msg := <-bobInbox:
				fmt.Printf("bob received: %q\n", msg)
			case <-ctx.Done():
				return fmt.Errorf("bob never received the reply")
			}

			fmt.Println("demo complete: both directions ran over an established session")
			return nil
		},
	}
}
