// Command site-sync keeps the site's Strava activities and Spotify listening
// history in PostgreSQL.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/justestif/site-sync/internal/apiclient"
	"github.com/justestif/site-sync/internal/auth"
	"github.com/justestif/site-sync/internal/config"
	"github.com/justestif/site-sync/internal/db"
	"github.com/justestif/site-sync/internal/importer"
	"github.com/justestif/site-sync/internal/logger"
	"github.com/justestif/site-sync/internal/spotify"
	"github.com/justestif/site-sync/internal/strava"
	sitesync "github.com/justestif/site-sync/internal/sync"
	"github.com/justestif/site-sync/internal/web"
	"github.com/justestif/site-sync/internal/webhook"
)

var (
	configFile = flag.String("config", "", "Path to configuration file")
	envPath    = flag.String("env", "", "Path to .env file")
	mode       = flag.String("mode", "serve", "Run mode: serve, sync or import")
	importFile = flag.String("file", "", "Export file to load in import mode")
	dryRun     = flag.Bool("dry-run", false, "Report what an import would do without writing")
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configFile, *envPath)
	if err != nil {
		return err
	}

	err = logger.Initialize(logger.Config{
		Debug:           cfg.Debug,
		SentryDSN:       cfg.SentryDSN,
		BreadcrumbLevel: zapcore.InfoLevel,
		Tags: map[string]string{
			"service": "site-sync",
			"mode":    *mode,
		},
	})
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Flush(2 * time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		return err
	}

	app, err := newApp(cfg, database)
	if err != nil {
		return err
	}

	switch *mode {
	case "serve":
		return app.serve(ctx)
	case "sync":
		result := app.sync.SyncWithLogging(ctx, sitesync.TriggerBackfill, zapcore.ErrorLevel)
		if result == nil {
			return errors.New("sync failed")
		}
		return nil
	case "import":
		return app.importFile(ctx, *importFile, *dryRun)
	default:
		return fmt.Errorf("unknown mode %q", *mode)
	}
}

// app holds the wired services shared by every mode.
type app struct {
	cfg      *config.Config
	db       *db.DB
	oauth    *auth.OAuth
	sync     *sitesync.Service
	importer *importer.Importer
	updater  *webhook.Updater
}

func newApp(cfg *config.Config, database *db.DB) (*app, error) {
	grace := cfg.Sync.TokenGrace
	refresher := auth.NewRefresher(database.Tokens())

	spotifyTokens := refresher.TokenSource(auth.SpotifyRefreshConfig(
		cfg.Spotify.ClientID, cfg.Spotify.ClientSecret, cfg.Spotify.TokenURL, grace))
	stravaTokens := refresher.TokenSource(auth.StravaRefreshConfig(
		cfg.Strava.ClientID, cfg.Strava.ClientSecret, cfg.Strava.TokenURL, grace))

	spotifyAPI, err := apiclient.New(cfg.Spotify.APIBaseURL, spotifyTokens)
	if err != nil {
		return nil, fmt.Errorf("spotify api client: %w", err)
	}
	stravaAPI, err := apiclient.New(cfg.Strava.APIBaseURL, stravaTokens)
	if err != nil {
		return nil, fmt.Errorf("strava api client: %w", err)
	}

	spotifyClient := spotify.New(spotifyAPI, spotify.Config{
		BatchSize:      cfg.Spotify.BatchSize,
		BatchDelay:     cfg.Spotify.BatchDelay,
		SingleDelay:    cfg.Spotify.SingleDelay,
		MaxRetries:     cfg.Spotify.MaxRetries,
		InitialBackoff: cfg.Spotify.InitialBackoff,
		MaxBackoff:     cfg.Spotify.MaxBackoff,
	})
	stravaClient := strava.New(stravaAPI)

	publicURL := strings.TrimRight(cfg.Server.PublicURL, "/")
	oauth := auth.NewOAuth(database.OAuthStates(), database.Tokens(), map[string]auth.Provider{
		auth.ProviderSpotify: auth.SpotifyProvider(cfg.Spotify.ClientID, cfg.Spotify.ClientSecret,
			publicURL+"/auth/spotify/callback"),
		auth.ProviderStrava: auth.StravaProvider(cfg.Strava.ClientID, cfg.Strava.ClientSecret,
			publicURL+"/auth/strava/callback", cfg.Strava.TokenURL),
	},
		auth.WithStateTTL(cfg.Sync.OAuthStateTTL),
		auth.WithGrace(grace),
	)

	return &app{
		cfg:   cfg,
		db:    database,
		oauth: oauth,
		sync: sitesync.New(database.Plays(), database.Tracks(), spotifyClient,
			sitesync.WithWindow(cfg.Spotify.RecentWindow),
			sitesync.WithAfterCursor(cfg.Spotify.UseAfterCursor),
		),
		importer: importer.New(database.Plays(), database.Tracks(), spotifyClient,
			importer.WithFetchMode(spotify.Mode(cfg.Spotify.ImportFetchMode)),
		),
		updater: webhook.NewUpdater(database.Activities(), stravaClient,
			webhook.WithDebounceWindow(cfg.Strava.DebounceWindow),
		),
	}, nil
}

// serve runs the HTTP server and the sync scheduler until ctx is cancelled.
func (a *app) serve(ctx context.Context) error {
	queue := webhook.NewQueue(ctx, a.updater, a.cfg.Strava.WebhookWorkers, a.cfg.Strava.WebhookQueueSize)

	server := web.NewServer(web.Config{
		Addr:           a.cfg.Server.Addr(),
		ReadTimeout:    a.cfg.Server.ReadTimeout,
		WriteTimeout:   a.cfg.Server.WriteTimeout,
		IdleTimeout:    a.cfg.Server.IdleTimeout,
		OAuthReturnURL: a.cfg.Server.OAuthReturnURL,
		VerifyToken:    a.cfg.Strava.VerifyToken,
		AdminAPIKeys:   a.cfg.Server.AdminAPIKeys,
	}, web.Deps{
		OAuth:    a.oauth,
		Events:   queue,
		Syncer:   a.sync,
		Importer: a.importer,
		History:  a.db.Plays(),
	})

	scheduler := sitesync.NewScheduler(a.sync, a.db.OAuthStates(), a.cfg.Sync.Interval)

	logger.InfoCtx(ctx, "Starting site-sync",
		zap.String("addr", a.cfg.Server.Addr()),
		zap.Duration("sync_interval", a.cfg.Sync.Interval),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	g.Go(func() error {
		scheduler.Run(gctx)
		return nil
	})
	err := g.Wait()

	// The server has stopped accepting deliveries; finish the ones it acknowledged.
	queue.Close()
	return err
}

func (a *app) importFile(ctx context.Context, path string, dryRun bool) error {
	if path == "" {
		return errors.New("import mode requires -file")
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading import file: %w", err)
	}

	result, err := a.importer.Import(ctx, contents, importer.Options{DryRun: dryRun})
	if err != nil {
		return err
	}

	fmt.Printf("run %s: %d entries, %d imported, %d would import, %d skipped, %d errors, %d failed tracks\n",
		result.RunID, result.Entries, result.Imported, result.WouldImport,
		result.Skipped, len(result.Errors), len(result.FailedTrackIDs))
	return nil
}
