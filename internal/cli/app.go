package cli

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/keepsake-app/keepsake/internal/common"
	"github.com/keepsake-app/keepsake/internal/cryptox"
	"github.com/keepsake-app/keepsake/internal/logging"
	"github.com/keepsake-app/keepsake/internal/store"
	"github.com/keepsake-app/keepsake/internal/syncer"
)

// readPassword is a test seam for term.ReadPassword.
var readPassword = term.ReadPassword

const (
	saltKey  = "kdf.salt"
	checkKey = "kdf.check"
	checkAAD = "kdf/check"
)

// App holds an opened store and the derived crypto material for one command
// invocation.
type App struct {
	cfg      *Config
	db       *sql.DB
	deviceID string
	blobs    *store.BlobStore
	mut      *store.Mutator
	sync     *syncer.Syncer
	log      logging.Logger
}

// openApp opens the local store, derives keys from the passphrase and wires
// the sync engine. The caller must Close it.
func openApp(ctx context.Context) (*App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	db, err := store.Open(ctx, filepath.Join(cfg.DataDir, "keepsake.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	app, err := buildApp(ctx, cfg, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return app, nil
}

func buildApp(ctx context.Context, cfg *Config, db *sql.DB) (*App, error) {
	kv := store.NewKVRepo(db)
	deviceID, err := kv.EnsureDeviceID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read device id: %w", err)
	}

	pass, err := passphrase()
	if err != nil {
		return nil, err
	}
	master, err := deriveAndVerify(ctx, kv, pass)
	if err != nil {
		return nil, err
	}

	localBox, err := cryptox.NewBox(master)
	if err != nil {
		return nil, err
	}
	syncKey, err := cryptox.DeriveSyncKey(master)
	if err != nil {
		return nil, err
	}
	syncBox, err := cryptox.NewBox(syncKey)
	if err != nil {
		return nil, err
	}

	blobs, err := store.NewBlobStore(filepath.Join(cfg.DataDir, "blobs"), localBox)
	if err != nil {
		return nil, err
	}

	log := buildLogger(cfg)
	opts := syncer.Options{Progress: terminalProgress()}
	return &App{
		cfg:      cfg,
		db:       db,
		deviceID: deviceID,
		blobs:    blobs,
		mut:      store.NewMutator(db, deviceID, localBox, blobs),
		sync:     syncer.New(db, deviceID, localBox, syncBox, blobs, log, opts),
		log:      log,
	}, nil
}

func (a *App) Close() error {
	return a.db.Close()
}

// passphrase reads the vault passphrase from KEEPSAKE_PASSPHRASE or, when the
// variable is unset, prompts on the terminal without echo.
func passphrase() ([]byte, error) {
	if p := os.Getenv("KEEPSAKE_PASSPHRASE"); p != "" {
		return []byte(p), nil
	}
	fmt.Fprint(os.Stderr, "Passphrase: ")
	pw, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to read passphrase: %w", err)
	}
	return pw, nil
}

// deriveAndVerify derives the master key over the store's salt, minting the
// salt on first use. A stored check value catches a wrong passphrase before
// any half-decrypted data leaks into the projection.
func deriveAndVerify(ctx context.Context, kv *store.KVRepo, pass []byte) ([]byte, error) {
	var salt []byte
	raw, err := kv.Get(ctx, saltKey)
	switch {
	case errors.Is(err, common.ErrNotFound):
		salt = make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return nil, err
		}
		if err := kv.Set(ctx, saltKey, hex.EncodeToString(salt)); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		if salt, err = hex.DecodeString(raw); err != nil {
			return nil, fmt.Errorf("failed to decode stored salt: %w", err)
		}
	}

	master := cryptox.DeriveMasterKey(pass, salt)
	box, err := cryptox.NewBox(master)
	if err != nil {
		return nil, err
	}

	raw, err = kv.Get(ctx, checkKey)
	switch {
	case errors.Is(err, common.ErrNotFound):
		sealed, err := box.Seal([]byte("keepsake"), checkAAD)
		if err != nil {
			return nil, err
		}
		if err := kv.Set(ctx, checkKey, hex.EncodeToString(sealed)); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		sealed, err := hex.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decode key check: %w", err)
		}
		if _, err := box.Open(sealed, checkAAD); err != nil {
			return nil, fmt.Errorf("wrong passphrase for this store")
		}
	}
	return master, nil
}

func buildLogger(cfg *Config) logging.Logger {
	file := cfg.Log.File
	if file == "" {
		file = filepath.Join(cfg.DataDir, "keepsake.log")
	}
	maxSize := cfg.Log.MaxSizeMB
	if maxSize == 0 {
		maxSize = 10
	}
	w := &lumberjack.Logger{
		Filename:   file,
		MaxSize:    maxSize,
		MaxBackups: cfg.Log.MaxBackups,
	}

	level := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return logging.NewSlogLogger(slog.New(h))
}

// terminalProgress renders sync progress on stderr when it is a terminal and
// stays silent otherwise.
func terminalProgress() syncer.ProgressFunc {
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		return nil
	}
	return func(done, total uint64) {
		if total == 0 {
			return
		}
		fmt.Fprintf(os.Stderr, "\r%d/%d ops", done, total)
		if done >= total {
			fmt.Fprintln(os.Stderr)
		}
	}
}
