package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexjbarnes/chat-sync/internal/api"
	"github.com/alexjbarnes/chat-sync/internal/chat"
	"github.com/alexjbarnes/chat-sync/internal/config"
	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/logging"
	"github.com/alexjbarnes/chat-sync/internal/mcpserver"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/presence"
	"github.com/alexjbarnes/chat-sync/internal/realtime"
	"github.com/alexjbarnes/chat-sync/internal/state"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	// Handle signout subcommand before connecting.
	if len(os.Args) > 1 && os.Args[1] == "signout" {
		if err := signOut(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}

		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// signOut forgets the stored credential and every cached conversation.
func signOut() error {
	path := os.Getenv("STATE_PATH")
	if path == "" {
		p, err := config.DefaultStatePath()
		if err != nil {
			return err
		}

		path = p
	}

	st, err := state.LoadAt(path)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer st.Close()

	if err := st.SignOut(); err != nil {
		return fmt.Errorf("signing out: %w", err)
	}

	fmt.Fprintln(os.Stderr, "signed out")

	return nil
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("chat-sync starting",
		slog.String("version", Version),
		slog.String("api", cfg.APIURL),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appState, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	logger.Debug("state loaded",
		slog.String("path", cfg.StatePath),
		slog.Int("cached_conversations", appState.CachedConversationCount()),
	)

	client := api.NewClient(cfg.APIURL, appState, nil, logger.With(slog.String("service", "api")))

	viewer, err := authenticate(ctx, client, cfg, appState, logger)
	if err != nil {
		return err
	}

	manager := realtime.NewManager(realtime.Config{
		URL:               cfg.SocketURL,
		UserID:            viewer.ID,
		Credentials:       appState,
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectDelay:    cfg.ReconnectDelay,
	}, logger.With(slog.String("service", "realtime")))
	defer manager.Close()

	engine := chat.NewEngine(chat.Config{
		Viewer:           viewer,
		API:              client,
		Transport:        manager,
		Cache:            appState,
		Presence:         presence.NewTracker(),
		PollInterval:     cfg.DirectoryPollInterval,
		MarkReadDelay:    cfg.MarkReadDelay,
		TypingTimeout:    cfg.TypingTimeout,
		LoadMoreDebounce: cfg.LoadMoreDebounce,
	}, logger.With(slog.String("service", "chat")))

	sub := manager.Subscribe(engine)
	defer sub.Unsubscribe()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return manager.Listen(gctx)
	})

	g.Go(func() error {
		return engine.Run(gctx)
	})

	if cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, engine, logger)
		})
	}

	return g.Wait()
}

// runMCP serves the chat tools on stdin/stdout until ctx is cancelled.
func runMCP(ctx context.Context, engine *chat.Engine, logger *slog.Logger) error {
	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "chat-sync", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, engine)

	logger.Info("serving MCP on stdio", slog.String("service", "mcp"))

	if err := mcpServer.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}

// authenticate resolves the signed-in user. A stored credential is
// verified first; otherwise the configured email and password are used,
// registering the account first when a display name is configured and
// the server does not know the credentials.
func authenticate(ctx context.Context, client *api.Client, cfg *config.Config, appState *state.State, logger *slog.Logger) (models.User, error) {
	if appState.Token() != "" {
		logger.Debug("trying cached credential")

		sess, err := client.Verify(ctx)
		if err == nil {
			logger.Info("authenticated with cached credential", slog.String("user_id", sess.User.ID))
			return rememberUser(appState, sess.User, logger), nil
		}

		if !api.IsUnauthorized(err) {
			return models.User{}, fmt.Errorf("verifying cached credential: %w", err)
		}

		logger.Debug("cached credential rejected, signing in fresh")
	}

	if !cfg.HasCredentials() {
		return models.User{}, fmt.Errorf("no valid cached credential and CHAT_EMAIL/CHAT_PASSWORD not set: %w", chaterrors.ErrMissingToken)
	}

	logger.Info("signing in", slog.String("email", cfg.Email))

	sess, err := client.Login(ctx, cfg.Email, cfg.Password)
	if errors.Is(err, chaterrors.ErrInvalidCredentials) && cfg.Name != "" {
		logger.Info("login rejected, registering account", slog.String("email", cfg.Email))

		if err := client.Register(ctx, cfg.Name, cfg.Email, cfg.Password); err != nil {
			return models.User{}, err
		}

		sess, err = client.Login(ctx, cfg.Email, cfg.Password)
	}

	if err != nil {
		return models.User{}, err
	}

	logger.Info("signed in", slog.String("user_id", sess.User.ID), slog.String("name", sess.User.Name))

	return rememberUser(appState, sess.User, logger), nil
}

func rememberUser(appState *state.State, u models.User, logger *slog.Logger) models.User {
	if err := appState.SetUser(u); err != nil {
		logger.Warn("failed to save user", slog.String("error", err.Error()))
	}

	return u
}
