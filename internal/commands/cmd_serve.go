package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"blocksync/internal/app"
	"blocksync/internal/artifacts"
	"blocksync/internal/drafts"
	"blocksync/internal/export"
	"blocksync/internal/gitrepo"
	"blocksync/internal/logging"
	"blocksync/internal/metrics"
	"blocksync/internal/search"
	"blocksync/internal/store"
)

type ServeCmd struct {
	flags *Flags

	// flags
	addr string
}

// NewServeCmd creates a new serve command
func NewServeCmd(flags *Flags) *ServeCmd {
	return &ServeCmd{flags: flags}
}

// Register adds the serve command to the application
func (cmd *ServeCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "serve",
		Usage:     "Run the host",
		UsageText: "blocksync serve [--addr :8787]",
		Description: `Serves editor websockets under /ws/documents/{id} and the HTTP API.

Saves are written to the local tier (Redis) and committed to the cloud tier,
one git repository per document under BLOCKSYNC_REPOS_DIR.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address (defaults to API_ADDR)",
				Destination: &cmd.addr,
			},
		},
		Action: cmd.run,
	})

	return app
}

func (cmd *ServeCmd) run(ctx context.Context, c *cli.Command) error {
	cfg := cmd.flags.Config
	if cmd.addr != "" {
		cfg.Addr = cmd.addr
	}

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := store.ApplyMigrations(ctx, db, store.Migrations(cfg.MigrationsDir), logging.Component("migrate")); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		return fmt.Errorf("create repos dir: %w", err)
	}

	draftStore, err := drafts.NewRedisStore(cfg.RedisURL, cfg.DraftTTL)
	if err != nil {
		return fmt.Errorf("redis connection: %w", err)
	}
	defer func() { _ = draftStore.Close() }()

	pgfts := search.NewPgFTS(db)
	var searchService *search.Service
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logging.Component("meili"))
		defer meiliClient.Close()
		searchService = search.NewService(meiliClient, pgfts, logging.Component("search"))
		go searchService.ReindexAllFromPG(context.WithoutCancel(ctx), pgfts)
	} else {
		searchService = search.NewService(nil, pgfts, logging.Component("search"))
	}

	artifactStore, err := artifacts.New(artifacts.Config{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	}, logging.Component("artifacts"))
	if err != nil {
		return err
	}

	service := app.New(app.Deps{
		Store:     store.NewPostgresStore(db),
		Git:       gitrepo.New(cfg.ReposDir),
		Drafts:    draftStore,
		Search:    searchService,
		Compiler:  export.NewService(export.ChromiumPDF, logging.Component("export")),
		Artifacts: artifactStore,
		Metrics:   metrics.New(),
		Log:       logging.Component("host"),
	})
	defer service.Close()

	httpServer := app.NewHTTPServer(service, cfg.EditorOrigins, logging.Component("http"))
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Strs("editor_origins", cfg.EditorOrigins).Msg("blocksync host listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-sigCtx.Done():
	}

	log.Info().Msg("shutting down")
	// Editors hold hijacked connections that Shutdown does not wait for.
	service.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	return nil
}
