package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/relaylink/relaylink/internal/agent"
	"github.com/relaylink/relaylink/internal/config"
	"github.com/relaylink/relaylink/internal/relay"
	"github.com/relaylink/relaylink/internal/tui"
)

var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "relaylink",
	Short: "A self-hostable HTTP tunnel for local development",
	Long: `relaylink exposes a local server to the internet through a relay you control.

Run 'relaylink relay' on a public host, then 'relaylink agent' locally
to receive traffic at localhost.`,
	Version: version,
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the public relay",
	Long:  `Run the relaylink relay, which accepts agent control channels and forwards public traffic to them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadRelayConfig(cmd)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		idleTimeout, err := cfg.IdleTimeoutDuration()
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		logger := newLogger(false)

		srv := relay.New(relay.Config{
			Port:        cfg.Port,
			Host:        cfg.Host,
			PublicURL:   cfg.PublicURL,
			MaxRequests: cfg.MaxRequests,
			Token:       cfg.Token,
			TLSCert:     cfg.TLSCert,
			TLSKey:      cfg.TLSKey,
			IdleTimeout: idleTimeout,
		}, logger)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			logger.Info().Msg("shutting down")
			cancel()
		}()

		return srv.Run(ctx)
	},
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Connect to a relay",
	Long:  `Connect to a relaylink relay and forward tunneled traffic to a local target.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadAgentConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.Server == "" {
			return fmt.Errorf("--server is required")
		}
		if cfg.Port == 0 {
			return fmt.Errorf("--port is required")
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		logger := newLogger(cfg.Verbose)

		a := agent.New(agent.Config{
			ServerURL: cfg.Server,
			LocalPort: cfg.Port,
			Target:    fmt.Sprintf("http://localhost:%d", cfg.Port),
			Subdomain: cfg.Subdomain,
			Token:     cfg.Token,
			Verbose:   cfg.Verbose,
		}, logger)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			fmt.Println("\nShutting down...")
			cancel()
		}()

		if cfg.TUI {
			return runWithTUI(ctx, a)
		}

		runErr := a.Run(ctx)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		a.Shutdown(shutdownCtx)
		return runErr
	},
}

func runWithTUI(ctx context.Context, a *agent.Agent) error {
	model := tui.NewModel()
	a.SetTUIChannels(model.RequestChannel(), model.ConnectionChannel())

	program := tea.NewProgram(model, tea.WithAltScreen())

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Run(ctx)
	}()

	go func() {
		<-ctx.Done()
		program.Quit()
	}()

	_, progErr := program.Run()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	a.Shutdown(shutdownCtx)

	select {
	case runErr := <-errCh:
		if runErr != nil {
			return runErr
		}
	default:
	}
	return progErr
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print an example configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Print(config.ExampleConfig)
		return nil
	},
}

func loadRelayConfig(cmd *cobra.Command) (*config.RelayConfig, error) {
	cfg := &config.RelayConfig{}

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		*cfg = loaded.Relay
	} else if path := config.FindConfigFile(); path != "" {
		loaded, err := config.Load(path)
		if err == nil {
			*cfg = loaded.Relay
		}
	}

	if cmd.Flags().Changed("port") {
		cfg.Port, _ = cmd.Flags().GetInt("port")
	} else if cfg.Port == 0 {
		cfg.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("host") || cfg.Host == "" {
		cfg.Host, _ = cmd.Flags().GetString("host")
	}
	if v, _ := cmd.Flags().GetString("public-url"); v != "" {
		cfg.PublicURL = v
	}
	if cmd.Flags().Changed("max-requests") || cfg.MaxRequests == 0 {
		cfg.MaxRequests, _ = cmd.Flags().GetInt("max-requests")
	}
	if v, _ := cmd.Flags().GetString("token"); v != "" {
		cfg.Token = v
	} else if v := os.Getenv("RELAYLINK_TOKEN"); v != "" {
		cfg.Token = v
	}
	if cmd.Flags().Changed("idle-timeout") || cfg.IdleTimeout == "" {
		d, _ := cmd.Flags().GetDuration("idle-timeout")
		cfg.IdleTimeout = d.String()
	}

	return cfg, nil
}

func loadAgentConfig(cmd *cobra.Command) (*config.AgentConfig, error) {
	cfg := &config.AgentConfig{}

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		*cfg = loaded.Agent
	} else if path := config.FindConfigFile(); path != "" {
		loaded, err := config.Load(path)
		if err == nil {
			*cfg = loaded.Agent
		}
	}

	if v, _ := cmd.Flags().GetString("server"); v != "" {
		cfg.Server = v
	} else if cfg.Server == "" {
		cfg.Server = os.Getenv("TUNNEL_SERVER")
	}

	if cmd.Flags().Changed("port") {
		cfg.Port, _ = cmd.Flags().GetInt("port")
	} else if cfg.Port == 0 {
		if v := os.Getenv("TUNNEL_PORT"); v != "" {
			fmt.Sscanf(v, "%d", &cfg.Port)
		} else {
			cfg.Port, _ = cmd.Flags().GetInt("port")
		}
	}

	if v, _ := cmd.Flags().GetString("subdomain"); v != "" {
		cfg.Subdomain = v
	}
	if v, _ := cmd.Flags().GetString("token"); v != "" {
		cfg.Token = v
	} else if v := os.Getenv("RELAYLINK_TOKEN"); v != "" {
		cfg.Token = v
	}
	if cmd.Flags().Changed("verbose") {
		cfg.Verbose, _ = cmd.Flags().GetBool("verbose")
	}
	if cmd.Flags().Changed("tui") {
		cfg.TUI, _ = cmd.Flags().GetBool("tui")
	}

	return cfg, nil
}

func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().
		Timestamp().
		Logger()
}

func init() {
	relayCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	relayCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	relayCmd.Flags().String("public-url", "", "Public URL for the relay (for display)")
	relayCmd.Flags().Int("max-requests", 100, "Maximum diagnostics entries to retain across all tunnels")
	relayCmd.Flags().String("token", "", "Bearer token required for the management API")
	relayCmd.Flags().Duration("idle-timeout", 24*time.Hour, "How long an unattached tunnel may sit idle before it is swept")
	relayCmd.Flags().StringP("config", "c", "", "Path to a relaylink config file")

	agentCmd.Flags().StringP("server", "s", "", "Relay URL (e.g., https://relay.example.com)")
	agentCmd.Flags().IntP("port", "p", 0, "Local port to forward to")
	agentCmd.Flags().StringP("subdomain", "d", "", "Requested tunnel subdomain (optional)")
	agentCmd.Flags().String("token", "", "Bearer token for the relay's management API")
	agentCmd.Flags().BoolP("verbose", "v", false, "Log request and response bodies")
	agentCmd.Flags().Bool("tui", false, "Run the interactive request inspector")
	agentCmd.Flags().StringP("config", "c", "", "Path to a relaylink config file")

	rootCmd.AddCommand(relayCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(configCmd)
}
