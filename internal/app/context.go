package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"

	"shopline/internal/bus"
	"shopline/internal/config"
	"shopline/internal/db"
	"shopline/internal/editor"
	"shopline/internal/engine"
	"shopline/internal/index"
	"shopline/internal/logger"
	"shopline/internal/migrate"
	"shopline/internal/store"
	shoplinesdk "shopline/sdk/go"
)

// Options select the workspace and backend of a process.
type Options struct {
	Workspace string
	// RemoteURL overrides remote.url from the config. An empty URL after both means the
	// local sqlite store backs the coordinator.
	RemoteURL string
	Token     string
	ActorID   string
	LogOutput io.Writer
}

// App holds the components wired for one process. Store is nil when the backend is remote.
type App struct {
	Config  *config.Config
	Log     *logger.Logger
	DB      *sql.DB
	Store   *store.Service
	Backend engine.Backend
	Bus     *bus.Bus
	Index   *index.Index
	Coord   *engine.Coordinator
	Editor  *editor.Session
}

// OpenStore opens and migrates the workspace database and returns a store over it.
func OpenStore(ctx context.Context, workspace string, cfg *config.Config, log *logger.Logger) (store.Service, *sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return store.Service{}, nil, fmt.Errorf("open db: %w", err)
	}
	applied, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return store.Service{}, nil, fmt.Errorf("migrate: %w", err)
	}
	for _, name := range applied {
		log.WithField("migration", name).Info("migration applied")
	}
	return store.New(conn, cfg, log), conn, nil
}

// Wire loads the workspace config, configures logging and builds the coordinator and editor
// over either the local store or the remote API. One bus is shared by both.
func Wire(ctx context.Context, opts Options) (*App, error) {
	cfg, err := config.LoadOrDefault(opts.Workspace)
	if err != nil {
		return nil, err
	}
	logger.Configure(cfg.Logging.Level, cfg.Logging.Format, opts.LogOutput)
	log := logger.New()
	a := &App{Config: cfg, Log: log, Bus: bus.New(), Index: index.New()}

	remote := strings.TrimSpace(opts.RemoteURL)
	if remote == "" {
		remote = strings.TrimSpace(cfg.Remote.URL)
	}
	if remote != "" {
		client := shoplinesdk.New(remote)
		client.BearerToken = opts.Token
		client.ActorID = opts.ActorID
		if cfg.Remote.Timeout > 0 {
			client.Timeout = cfg.Remote.Timeout
		}
		if cfg.Server.BasePath != "" {
			client.BasePath = cfg.Server.BasePath
		}
		a.Backend = client
		log.WithField("url", remote).Debug("using remote backend")
	} else {
		svc, conn, err := OpenStore(ctx, opts.Workspace, cfg, log)
		if err != nil {
			return nil, err
		}
		a.DB = conn
		a.Store = &svc
		a.Backend = svc
	}

	a.Coord = engine.New(a.Backend, a.Index, a.Bus, cfg, log)
	a.Editor = editor.New(a.Coord, a.Bus)
	a.Editor.ActorID = opts.ActorID
	return a, nil
}

// Close waits for in-flight remote calls and releases the database.
func (a *App) Close() error {
	if a.Coord != nil {
		a.Coord.Wait()
	}
	if a.DB != nil {
		return a.DB.Close()
	}
	return nil
}
