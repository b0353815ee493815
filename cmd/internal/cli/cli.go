// ABOUTME: Shared runtime glue for pawsync command-line binaries.
// ABOUTME: Wires store, codec, client, merger, sharing, and scheduler together.
package cli

import (
	"errors"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/harperreed/pawsync/petsync"
)

// App glues the CLI to the sync engine.
type App struct {
	Cfg       RuntimeConfig
	Store     *petsync.Store
	Codec     *petsync.Codec
	Client    *petsync.Client
	Merger    *petsync.Merger
	Sharing   *petsync.SharingManager
	Scheduler *petsync.Scheduler
	Log       *zap.Logger
}

// NewApp instantiates the full dependency graph from runtime config.
func NewApp(cfg RuntimeConfig) (*App, error) {
	normalized, err := normalize(cfg)
	if err != nil {
		return nil, err
	}

	log := zap.NewNop()
	if normalized.Verbose {
		log, err = zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
	}

	store, err := petsync.OpenStore(normalized.DBPath)
	if err != nil {
		return nil, err
	}

	assets, err := petsync.NewFileAssetStore(normalized.AssetDir)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	codec := petsync.NewCodec(assets)

	client := petsync.NewClient(petsync.RemoteConfig{
		BaseURL:   normalized.ServerURL,
		DeviceID:  normalized.DeviceID,
		AuthToken: normalized.AuthToken,
	}, log)

	merger := petsync.NewMerger(store, client, codec, log).WithNotifier(petsync.NopNotifier{})
	sharing := petsync.NewSharingManager(store, client, codec, petsync.SharingConfig{
		InviteBaseURL: normalized.InviteBase,
		SigningKey:    []byte(normalized.ShareKey),
	}, log)
	scheduler := petsync.NewScheduler(client, merger, store, petsync.DefaultSchedulerConfig(), log, nil)

	return &App{
		Cfg:       normalized,
		Store:     store,
		Codec:     codec,
		Client:    client,
		Merger:    merger,
		Sharing:   sharing,
		Scheduler: scheduler,
		Log:       log,
	}, nil
}

// Close releases resources.
func (a *App) Close() error {
	if a.Store != nil {
		return a.Store.Close()
	}
	return nil
}

func normalize(cfg RuntimeConfig) (RuntimeConfig, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, err
	}
	base := filepath.Join(home, ".pawsync")

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(base, "pawsync.db")
	}
	if cfg.AssetDir == "" {
		cfg.AssetDir = filepath.Join(base, "assets")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return cfg, err
	}
	if cfg.DeviceID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			return cfg, errors.New("device id required (pass -device)")
		}
		cfg.DeviceID = host
	}
	if cfg.InviteBase == "" {
		cfg.InviteBase = cfg.ServerURL
	}
	return cfg, nil
}
