package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/claps-dev/claps/internal/channel"
	"github.com/claps-dev/claps/internal/channel/httpchan"
	"github.com/claps-dev/claps/internal/channel/line"
	"github.com/claps-dev/claps/internal/channel/slack"
	"github.com/claps-dev/claps/internal/config"
	"github.com/claps-dev/claps/internal/engine"
	"github.com/claps-dev/claps/internal/gateway"
	"github.com/claps-dev/claps/internal/ghub"
	"github.com/claps-dev/claps/internal/health"
	"github.com/claps-dev/claps/internal/history"
	"github.com/claps-dev/claps/internal/identity"
	"github.com/claps-dev/claps/internal/metrics"
	"github.com/claps-dev/claps/internal/runner"
	"github.com/claps-dev/claps/internal/session"
	"github.com/claps-dev/claps/internal/task"
	"github.com/claps-dev/claps/internal/worktree"
	"github.com/claps-dev/claps/pkg/tokenstore"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	admin, err := config.LoadAdminConfig(cfg.AdminConfigPath())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load admin config")
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Int("gateway_port", cfg.GatewayPort).
		Bool("slack_enabled", cfg.SlackEnabled()).
		Bool("line_enabled", cfg.LineEnabled()).
		Bool("github_enabled", cfg.GitHubEnabled()).
		Msg("starting claps orchestrator")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	m := metrics.New()
	resolver := identity.NewResolver(admin)
	store := tokenstore.NewMemoryStore()
	queue := task.NewQueue(logger)
	sessions := session.New(cfg.SessionsPath(), cfg.SessionMaxAge, logger)
	worktrees := worktree.NewManager(logger)
	agentRunner := runner.New(cfg.AgentBin, m, logger)
	checker := health.NewChecker(logger)

	historyStore, err := history.New(cfg.HistoryDBPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open history db")
	}
	defer historyStore.Close()

	// GitHub App client (optional)
	var ghClient *ghub.Client
	if cfg.GitHubEnabled() {
		ghClient, err = ghub.NewClient(
			cfg.GitHubAppID,
			cfg.GitHubInstallationID,
			cfg.GitHubPrivateKeyPath,
			store,
			logger,
		)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to init GitHub client (non-fatal)")
			ghClient = nil
		} else {
			logger.Info().Msg("GitHub App client initialized")
			checker.Register("github", func(ctx context.Context) health.Status {
				if _, err := ghClient.InstallationToken(ctx); err != nil {
					return health.StatusDown
				}
				return health.StatusOK
			})
		}
	} else {
		logger.Info().Msg("GitHub not configured — skipping")
	}

	// Channel adapters. The first registered adapter is the default
	// notification surface for GitHub-originated tasks.
	registry := channel.NewRegistry(logger)
	if cfg.SlackEnabled() {
		registry.Register(slack.New(slack.Config{
			BotToken:        cfg.SlackBotToken,
			AppToken:        cfg.SlackAppToken,
			NotifyChannel:   cfg.SlackNotifyChannel,
			AllowedChannels: cfg.SlackAllowedChannelList(),
		}, admin, logger))
	}
	if cfg.LineEnabled() {
		registry.Register(line.New(line.Config{
			ChannelSecret: cfg.LineChannelSecret,
			ChannelToken:  cfg.LineChannelToken,
			WebhookPort:   cfg.LineWebhookPort,
		}, admin, logger))
	}
	httpAdapter := httpchan.New(admin, queue, logger)
	registry.Register(httpAdapter)

	router := channel.NewRouter(registry, logger)

	gw := gateway.New(gateway.Config{
		Port:      cfg.GatewayPort,
		TokenPath: cfg.AuthTokenPath(),
	}, router, m, logger)
	gw.SetHealthChecker(checker)
	httpAdapter.SetHealthSource(registry.HealthAll)
	gw.MountAPI(httpAdapter.RegisterRoutes)

	deps := engine.Deps{
		Config:    cfg,
		Queue:     queue,
		Sessions:  sessions,
		Worktrees: worktrees,
		Runner:    agentRunner,
		Gateway:   gw,
		Notifier:  router,
		History:   historyStore,
		Resolver:  resolver,
		Metrics:   m,
		Logger:    logger,
	}
	if ghClient != nil {
		deps.GitHub = ghClient
	}
	eng := engine.New(deps)

	if err := registry.InitAll(channel.Callbacks{OnTask: eng.Enqueue}); err != nil {
		logger.Fatal().Err(err).Msg("no channel adapter initialized")
	}

	if err := worktrees.InitializeWorkspace(ctx, cfg.WorkspaceDir()); err != nil {
		logger.Warn().Err(err).Msg("workspace initialization failed")
	}

	if err := gw.Init(); err != nil {
		logger.Fatal().Err(err).Msg("failed to init gateway")
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := gw.Start(); err != nil {
			logger.Error().Err(err).Msg("gateway server error")
		}
	}()

	registry.StartAll(ctx)
	for _, a := range registry.Active() {
		a := a
		checker.Register("channel:"+a.Name(), func(context.Context) health.Status {
			if err := a.Health(); err != nil {
				return health.StatusDown
			}
			return health.StatusOK
		})
	}

	// the primary adapter is the mandatory interaction surface
	primary := registry.Default()
	if primary == nil {
		logger.Fatal().Msg("no active channel adapter")
	}
	if err := primary.Health(); err != nil {
		logger.Fatal().Err(err).Str("adapter", primary.Name()).Msg("primary adapter unhealthy")
	}

	eng.Start(ctx)

	// GitHub issue poller
	if ghClient != nil && len(cfg.RepoList()) > 0 {
		poller := ghub.NewPoller(
			ghClient,
			cfg.RepoList(),
			cfg.GitHubIssueLabel,
			cfg.GitHubPollInterval,
			queue.IsIssueProcessed,
			ghub.PollerCallbacks{
				OnNewIssue: func(_ context.Context, issue ghub.Issue) {
					eng.EnqueueIssue(issue.Owner, issue.Repo, issue.Number,
						issue.Title, issue.Body, issue.URL, issue.User)
				},
				OnIssueClosed: func(ctx context.Context, issue ghub.Issue) {
					eng.HandleIssueClosed(ctx, issue.Owner, issue.Repo, issue.Number)
				},
			},
			logger,
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			poller.Run(ctx)
		}()
		logger.Info().Strs("repos", cfg.RepoList()).Str("label", cfg.GitHubIssueLabel).Msg("issue poller started")
	}

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	registry.StopAll(shutdownCtx)

	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("gateway shutdown error")
	}

	if err := eng.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("engine did not drain in time")
	}

	worktrees.CleanupAll(shutdownCtx)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	logger.Info().Msg("claps stopped")
}
