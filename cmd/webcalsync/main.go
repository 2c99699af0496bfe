package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"webcalsync/internal/config"
	"webcalsync/internal/ics"
	appLog "webcalsync/internal/log"
	"webcalsync/internal/scheduler"
	"webcalsync/internal/store"
	"webcalsync/internal/web"
	"webcalsync/internal/webcal"
)

const version = "0.1.0"

func main() {
	// Root context with cancellation on SIGINT/SIGTERM. Cancelling it aborts
	// any outstanding feed request.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	cmd := &cli.Command{
		Name:    "webcalsync",
		Usage:   "Mirror read-only webcal subscriptions into a local calendar store",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config.yaml",
				Value:       "config.yaml",
				Sources:     cli.EnvVars("WEBCAL_CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Override the configured log level (debug, info, warn, error)",
				Sources: cli.EnvVars("WEBCAL_LOG_LEVEL"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "sync",
				Usage:     "Run one sync cycle for every subscription, or only for the given profile",
				ArgsUsage: "[profile]",
				Action:    runSync,
			},
			{
				Name:  "daemon",
				Usage: "Run cycles on the configured schedule and serve the status API",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "listen",
						Usage: "HTTP listen address (overrides config if set)",
					},
					&cli.BoolFlag{
						Name:  "sync-on-start",
						Usage: "Run one cycle per subscription before the first tick",
						Value: true,
					},
				},
				Action: runDaemon,
			},
			{
				Name:      "cleanup",
				Usage:     "Remove the notebook and entries of a subscription",
				ArgsUsage: "<profile>",
				Action:    runCleanup,
			},
			{
				Name:      "agenda",
				Usage:     "Print the stored occurrences of a subscription",
				ArgsUsage: "<profile>",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "days", Usage: "Days ahead", Value: 7},
					&cli.IntFlag{Name: "backfill", Usage: "Past days to include", Value: 0},
				},
				Action: runAgenda,
			},
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		appLog.Error("webcalsync failed", err)
		os.Exit(1)
	}
}

// app is the loaded configuration plus what must be released on exit.
type app struct {
	cfg     *config.Config
	logFile io.Closer
}

func (a *app) Close() {
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
}

func loadApp(cmd *cli.Command) (*app, error) {
	configPath := cmd.String("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", configPath, err)
	}

	a := &app{cfg: cfg}
	level := cfg.Log.Level
	if override := cmd.String("log-level"); override != "" {
		level = override
	}
	appLog.SetLevel(appLog.ParseLevel(level))
	if cfg.Log.File != "" {
		a.logFile = appLog.SetFile(appLog.FileConfig{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
		})
	}

	appLog.Info("effective config",
		"config_path", configPath,
		"database", cfg.Database,
		"listen", cfg.Listen,
		"refresh", cfg.RefreshCron,
		"timezone", cfg.Timezone,
		"http_timeout", cfg.HTTPTimeout().String(),
		"subscriptions", len(cfg.Subscriptions),
	)
	return a, nil
}

func (a *app) client(fc config.FeedConfig) *webcal.Client {
	return webcal.New(fc, webcal.OpenSQLite(a.cfg.Database),
		webcal.WithTransport(ics.NewHTTPTransport(a.cfg.HTTPTimeout())),
		webcal.WithHost(logHost{}),
	)
}

func (a *app) subscription(profile string) (config.FeedConfig, error) {
	if profile == "" {
		return config.FeedConfig{}, errors.New("profile argument is required")
	}
	fc, ok := a.cfg.Subscription(profile)
	if !ok {
		return config.FeedConfig{}, fmt.Errorf("no subscription with profile %q", profile)
	}
	return fc, nil
}

func runSync(ctx context.Context, cmd *cli.Command) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	subs := a.cfg.Subscriptions
	if profile := cmd.Args().First(); profile != "" {
		fc, err := a.subscription(profile)
		if err != nil {
			return err
		}
		subs = []config.FeedConfig{fc}
	}
	if len(subs) == 0 {
		return errors.New("no subscriptions configured")
	}

	failed := 0
	for _, fc := range subs {
		c := a.client(fc)
		out := c.Sync(ctx)
		if err := c.Uninit(); err != nil {
			appLog.Warn("closing storage failed", "profile", fc.Profile, "error", err.Error())
		}
		printOutcome(fc.Profile, out)
		if !out.Succeeded() {
			failed++
		}
		if ctx.Err() != nil {
			break
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d subscriptions failed", failed, len(subs))
	}
	return nil
}

func printOutcome(profile string, out webcal.Outcome) {
	if !out.Succeeded() {
		fmt.Printf("%s: failed (%s): %s\n", profile, out.Reason, out.Message)
		return
	}
	if len(out.Targets) == 0 {
		fmt.Printf("%s: up to date\n", profile)
		return
	}
	for _, t := range out.Targets {
		fmt.Printf("%s: %s added %d, deleted %d\n", profile, t.Name, t.Added, t.Deleted)
	}
}

func runDaemon(ctx context.Context, cmd *cli.Command) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if listen := cmd.String("listen"); listen != "" {
		a.cfg.Listen = listen
	}

	clients := make([]*webcal.Client, 0, len(a.cfg.Subscriptions))
	jobs := make([]scheduler.Job, 0, len(a.cfg.Subscriptions))
	subs := make([]web.Subscription, 0, len(a.cfg.Subscriptions))
	for _, fc := range a.cfg.Subscriptions {
		c := a.client(fc)
		// A failed Init is retried by the first cycle.
		if err := c.Init(ctx); err != nil {
			appLog.Error("init failed", err, "profile", fc.Profile)
		}
		clients = append(clients, c)
		jobs = append(jobs, c)
		subs = append(subs, c)
	}
	defer func() {
		for _, c := range clients {
			if err := c.Uninit(); err != nil {
				appLog.Warn("closing storage failed", "profile", c.Profile(), "error", err.Error())
			}
		}
	}()

	db, err := store.Open(a.cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	sched, err := scheduler.New(a.cfg.RefreshCron, jobs)
	if err != nil {
		return err
	}
	srv := web.NewServer(a.cfg, subs, db)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gCtx)
	})
	g.Go(func() error {
		if cmd.Bool("sync-on-start") {
			sched.RunAll(gCtx)
		}
		sched.Start(gCtx)
		<-gCtx.Done()
		sched.Stop()
		return nil
	})

	err = g.Wait()
	// Give in-flight log lines a moment to flush.
	time.Sleep(100 * time.Millisecond)
	appLog.Info("webcalsync exiting")
	return err
}

func runCleanup(ctx context.Context, cmd *cli.Command) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	fc, err := a.subscription(cmd.Args().First())
	if err != nil {
		return err
	}
	c := a.client(fc)
	defer c.Uninit()

	if err := c.CleanUp(ctx); err != nil {
		return fmt.Errorf("cleanup %s: %w", fc.Profile, err)
	}
	fmt.Printf("%s: notebook removed\n", fc.Profile)
	return nil
}

func runAgenda(ctx context.Context, cmd *cli.Command) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	fc, err := a.subscription(cmd.Args().First())
	if err != nil {
		return err
	}

	db, err := store.Open(a.cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	notebooks, err := db.Notebooks(ctx)
	if err != nil {
		return err
	}
	uid := ""
	for _, nb := range notebooks {
		if nb.PluginName == webcal.DefaultPluginName && nb.SyncProfile == fc.Profile {
			uid = nb.UID
			break
		}
	}
	if uid == "" {
		return fmt.Errorf("no notebook for %q yet; run sync first", fc.Profile)
	}

	entries, err := db.Entries(ctx, uid)
	if err != nil {
		return err
	}
	agenda, err := web.BuildAgenda(entries, a.cfg.Location(), time.Now(), int(cmd.Int("days")), int(cmd.Int("backfill")))
	if err != nil {
		return err
	}

	for _, occ := range agenda.Occurrences {
		when := occ.Start.Format("Mon 2006-01-02 15:04")
		if occ.AllDay {
			when = occ.Start.Format("Mon 2006-01-02") + " (all day)"
		}
		line := when + "  " + occ.Summary
		if occ.Location != "" {
			line += "  @ " + occ.Location
		}
		fmt.Println(line)
	}
	if len(agenda.TruncatedUIDs) > 0 {
		appLog.Warn("recurrences truncated", "uids", len(agenda.TruncatedUIDs))
	}
	return nil
}

// logHost reports cycle notifications through the application log.
type logHost struct{}

func (logHost) SyncProgress(profile string, p webcal.Progress) {
	appLog.Debug("sync progress", "profile", profile, "stage", p.String())
}

func (logHost) SyncSucceeded(profile, message string) {
	appLog.Info("sync succeeded", "profile", profile, "message", message)
}

func (logHost) SyncFailed(profile, message string, reason webcal.Reason) {
	appLog.Warn("sync failed", "profile", profile, "reason", reason.String(), "message", message)
}
