package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keepsake-app/keepsake/internal/remote"
	"github.com/keepsake-app/keepsake/internal/syncer"
	"github.com/keepsake-app/keepsake/internal/vault"
)

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Upload local changes to the remote",
	RunE:  func(cmd *cobra.Command, args []string) error { return runSync(cmd, true, false) },
}

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Download and apply changes from other devices",
	RunE:  func(cmd *cobra.Command, args []string) error { return runSync(cmd, false, true) },
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push, then pull",
	RunE:  func(cmd *cobra.Command, args []string) error { return runSync(cmd, true, true) },
}

func runSync(cmd *cobra.Command, push, pull bool) error {
	ctx := cmd.Context()
	app, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.cfg.Remote.validate(); err != nil {
		return err
	}
	if push {
		if err := app.push(ctx); err != nil {
			return fmt.Errorf("push: %w", err)
		}
	}
	if pull {
		if err := app.pull(ctx); err != nil {
			return fmt.Errorf("pull: %w", err)
		}
	}
	fmt.Println("Done.")
	return nil
}

// fileRemote builds the remote.Store for dir and webdav kinds.
func (a *App) fileRemote() (remote.Store, error) {
	rc := a.cfg.Remote
	switch rc.Kind {
	case "dir":
		return remote.NewDirStore(rc.Path)
	case "webdav":
		return remote.NewDavStore(rc.URL, rc.Username, rc.Password, nil)
	default:
		return nil, fmt.Errorf("remote kind %q has no file store", rc.Kind)
	}
}

func (a *App) vaultClient() *vault.Client {
	rc := a.cfg.Remote
	return vault.NewClient(rc.URL, rc.VaultID, rc.Token, nil)
}

// registerDevice announces this device to the vault. Registration is
// idempotent; the server refreshes the device record on every call.
func (a *App) registerDevice(ctx context.Context, vc *vault.Client) error {
	if _, err := vc.RegisterDevice(ctx, a.deviceID); err != nil {
		return err
	}
	return nil
}

func (a *App) push(ctx context.Context) error {
	if a.cfg.Remote.Kind == "vault" {
		vc := a.vaultClient()
		if err := a.registerDevice(ctx, vc); err != nil {
			return err
		}
		return a.sync.PushVault(ctx, vc)
	}
	rs, err := a.fileRemote()
	if err != nil {
		return err
	}
	return a.sync.Push(ctx, rs, a.cfg.Remote.Root)
}

func (a *App) pull(ctx context.Context) error {
	if a.cfg.Remote.Kind == "vault" {
		vc := a.vaultClient()
		if err := a.registerDevice(ctx, vc); err != nil {
			return err
		}
		return a.sync.PullVault(ctx, vc)
	}
	rs, err := a.fileRemote()
	if err != nil {
		return err
	}
	return a.sync.Pull(ctx, rs, a.cfg.Remote.Root)
}

// scope returns the cursor scope and display id for the configured remote.
func (a *App) scope() (scope, target string) {
	if a.cfg.Remote.Kind == "vault" {
		t := a.vaultClient().TargetID()
		return syncer.ScopeID(t, ""), t
	}
	rs, err := a.fileRemote()
	if err != nil {
		return "", a.cfg.Remote.Kind
	}
	return syncer.ScopeID(rs.TargetID(), a.cfg.Remote.Root), rs.TargetID()
}

func (a *App) loadCursors(ctx context.Context, scope string) (*syncer.Cursors, error) {
	return syncer.LoadCursors(ctx, a.db, scope, a.deviceID)
}
