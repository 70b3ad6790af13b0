package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keepsake-app/keepsake/internal/oplog"
	"github.com/keepsake-app/keepsake/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store and sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		convs, err := store.NewConversationRepo(app.db).List(ctx)
		if err != nil {
			return err
		}
		pending, err := store.NewPendingRepo(app.db).Count(ctx)
		if err != nil {
			return err
		}
		repo := oplog.NewRepository(app.db)
		localSeq, err := repo.MaxSeq(ctx, app.deviceID)
		if err != nil {
			return err
		}

		fmt.Printf("Device:         %s\n", app.deviceID)
		fmt.Printf("Conversations:  %d\n", len(convs))
		fmt.Printf("Local ops:      %d\n", localSeq)
		fmt.Printf("Pending apply:  %d\n", pending)

		if app.cfg.Remote.Kind == "" {
			fmt.Println("Remote:         not configured")
			return nil
		}
		scope, target := app.scope()
		fmt.Printf("Remote:         %s (%s)\n", target, app.cfg.Remote.Kind)

		cur, err := app.loadCursors(ctx, scope)
		if err != nil {
			return err
		}
		fmt.Printf("Pushed through: %d of %d\n", cur.LastPushed, localSeq)
		for dev, seq := range cur.Since {
			fmt.Printf("Peer %s: pulled through %d\n", dev, seq)
		}
		return nil
	},
}
