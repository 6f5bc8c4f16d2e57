// Command agentbridge serves the agent turn orchestrator over HTTP.
//
// The config file path comes from the first argument, AGENTBRIDGE_CONFIG, or
// defaults to agentbridge.yaml in the working directory.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/agentbridge"
	"github.com/hupe1980/agentbridge/artifact"
	"github.com/hupe1980/agentbridge/auth"
	"github.com/hupe1980/agentbridge/backend"
	"github.com/hupe1980/agentbridge/backend/openai"
	"github.com/hupe1980/agentbridge/config"
	"github.com/hupe1980/agentbridge/logging"
	"github.com/hupe1980/agentbridge/runner"
	"github.com/hupe1980/agentbridge/session"
	"github.com/hupe1980/agentbridge/tool"
	"github.com/hupe1980/agentbridge/tool/builtin"
)

func configPath() string {
	if len(os.Args) > 1 {
		return os.Args[1]
	}
	if p := os.Getenv("AGENTBRIDGE_CONFIG"); p != "" {
		return p
	}
	return "agentbridge.yaml"
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	path := configPath()
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", path, err)
	}

	logger := logging.NewLogger(&logging.LoggerConfig{
		Level:     logging.ParseLevel(cfg.Logging.Level),
		Format:    cfg.Logging.Format,
		Output:    os.Stderr,
		Component: "agentbridge",
	})
	if cfg.Logging.Format == "color" {
		green := color.New(color.FgGreen)
		green.Print("    ▶ ")
		fmt.Printf("Config:    %s\n", path)
		green.Print("    ▶ ")
		fmt.Printf("Assistant: %s\n", cfg.OpenAI.AssistantID)
		green.Print("    ▶ ")
		fmt.Printf("Store:     %s\n", cfg.Store.Driver)
		green.Print("    ▶ ")
		fmt.Printf("Listen:    %s\n\n", cfg.Server.Addr)
	}

	store, closeStore, err := session.Open(ctx, cfg.SessionConfig(), logger.WithComponent("session"))
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	defer closeStore.Close()

	agent := openai.New(func(o *openai.Options) {
		o.APIKey = cfg.OpenAI.APIKey
		o.BaseURL = cfg.OpenAI.BaseURL
	})

	tools, err := buildTools(cfg)
	if err != nil {
		return err
	}

	var gate *auth.Gate
	if cfg.Auth.StateSecret != "" {
		signer, err := auth.NewStateSigner([]byte(cfg.Auth.StateSecret))
		if err != nil {
			return err
		}
		gate = auth.NewGate(nil, signer, func(o *auth.GateOptions) {
			if cfg.Auth.SignInURL != "" {
				o.SignInURL = cfg.Auth.SignInURL
			} else if cfg.Server.PublicURL != "" {
				o.SignInURL = cfg.Server.PublicURL + "/signin"
			}
			o.Timeout = cfg.Auth.Timeout
			o.DefaultTokenLifetime = cfg.Auth.TokenLifetime
			o.Logger = logger.WithComponent("auth")
		})
	} else {
		logger.Warn("auth.state_secret not set, tools acting on behalf of users are unavailable")
	}

	srv := &server{
		files:     artifact.NewInMemoryStore(agent, func(o *artifact.StoreOptions) { o.Logger = logger.WithComponent("artifact") }),
		publicURL: cfg.Server.PublicURL,
		logger:    logger.WithComponent("http"),
	}

	bridge, err := agentbridge.New(agent, func(o *agentbridge.Options) {
		o.AssistantID = cfg.OpenAI.AssistantID
		o.Tools = tools
		for _, h := range cfg.Tools.Hosted {
			o.Hosted = append(o.Hosted, tool.HostedKind(h))
		}
		o.SessionStore = store
		o.Gate = gate
		o.Waiter = &runner.PollWaiter{Interval: cfg.Run.PollInterval, MaxInterval: 4 * cfg.Run.PollInterval}
		o.MaxRoundTrips = cfg.Run.MaxRoundTrips
		o.RunTimeout = cfg.Run.Timeout
		o.ToolTimeout = cfg.Run.ToolTimeout
		o.MaxParallelTools = cfg.Run.MaxParallelTools
		o.LaneWait = cfg.Run.LaneWait
		if cfg.OpenAI.MaxRetries > 0 {
			o.Retry = append(o.Retry, func(c *backend.RetryConfig) { c.MaxAttempts = cfg.OpenAI.MaxRetries + 1 })
		}
		if cfg.Server.ReplyURL != "" {
			o.Channel = &replyPoster{url: cfg.Server.ReplyURL, client: &http.Client{Timeout: 30 * time.Second}, server: srv}
		}
		o.Logger = logger
	})
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	srv.bridge = bridge

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bridge.Run(ctx) })
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.Server.Addr, "tools", bridge.Registry().Names())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if cfg.SignIn.AMQPURL != "" && gate != nil {
		source, err := auth.NewAMQPSource(auth.AMQPConfig{
			URL:      cfg.SignIn.AMQPURL,
			Queue:    cfg.SignIn.Queue,
			Prefetch: cfg.SignIn.Prefetch,
			Durable:  true,
			Logger:   logger.WithComponent("amqp"),
		})
		if err != nil {
			return err
		}
		defer source.Close()
		g.Go(func() error {
			return source.Run(ctx, func(ctx context.Context, ev auth.SignInEvent) error {
				_, err := bridge.ResumeSignIn(ctx, ev)
				return err
			})
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("stopped")
	return err
}

// buildTools assembles the built-in tools enabled by the config and merges
// them with the descriptors found in tools.dir.
func buildTools(cfg *config.Config) ([]tool.Tool, error) {
	client := &http.Client{Timeout: cfg.Run.ToolTimeout}

	var builtins []tool.Tool
	if cfg.Tools.WebSearchKey != "" {
		builtins = append(builtins, builtin.NewWebSearch(cfg.Tools.WebSearchKey, func(o *builtin.WebSearchOptions) {
			if cfg.Tools.WebSearchEndpoint != "" {
				o.Endpoint = cfg.Tools.WebSearchEndpoint
			}
			o.Client = client
		}))
	}
	if cfg.Auth.StateSecret != "" {
		builtins = append(builtins, builtin.NewDirectoryLookup(func(o *builtin.DirectoryOptions) {
			if cfg.Tools.DirectoryURL != "" {
				o.BaseURL = cfg.Tools.DirectoryURL
			}
			o.Client = client
		}))
	}

	var descs []tool.Descriptor
	if _, err := os.Stat(cfg.Tools.Dir); err == nil {
		descs, err = tool.LoadDescriptors(cfg.Tools.Dir)
		if err != nil {
			return nil, fmt.Errorf("loading tool descriptors: %w", err)
		}
	}
	return tool.BuildTools(descs, builtins, client)
}
