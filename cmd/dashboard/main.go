// dashboard serves the options trading dashboard backend.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Rajchodisetti/options-dashboard/internal/config"
	"github.com/Rajchodisetti/options-dashboard/internal/dashboard"
	"github.com/Rajchodisetti/options-dashboard/internal/observ"
	"github.com/Rajchodisetti/options-dashboard/internal/server"
	"github.com/Rajchodisetti/options-dashboard/internal/session"
)

var (
	version    = "dev"
	configPath string
	envFile    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Options trading dashboard backend",
		Long: `dashboard keeps a broker session alive, polls quotes, option chains and
candles, and serves signals, portfolio and risk over HTTP and websocket.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/config.yaml", "Path to the YAML config (empty for defaults)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Dotenv file loaded before the config")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(logoutCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Root, error) {
	if err := config.LoadEnv(envFile); err != nil {
		return config.Root{}, err
	}
	path := configPath
	if path != "" {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	observ.Setup(cfg.Log.Level, cfg.Log.Pretty)
	observ.SetVersion(version)
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start polling and serve the dashboard API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := observ.Logger("main")

			d, err := dashboard.New(dashboard.Options{Config: cfg})
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := d.Start(ctx); err != nil {
				d.Stop()
				return err
			}
			srv := server.New(server.Config{
				Addr:           cfg.Server.Addr,
				AllowedOrigins: cfg.Server.AllowedOrigins,
				Dashboard:      d,
			})

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			select {
			case <-ctx.Done():
				log.Info().Msg("Shutdown signal received")
			case err = <-errCh:
				if err != nil {
					log.Error().Err(err).Msg("HTTP server failed")
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if serr := srv.Shutdown(shutdownCtx); serr != nil {
				log.Warn().Err(serr).Msg("HTTP shutdown incomplete")
			}
			d.Stop()
			return err
		},
	}
}

func loginCmd() *cobra.Command {
	var clientCode, password, totp string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to the broker and persist the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if password == "" {
				password = os.Getenv("ANGEL_PASSWORD")
			}
			d, err := dashboard.New(dashboard.Options{Config: cfg})
			if err != nil {
				return err
			}
			defer d.Stop()

			if err := d.Login(cmd.Context(), clientCode, password, totp); err != nil {
				return err
			}
			return printJSON(d.SessionStatus())
		},
	}
	cmd.Flags().StringVar(&clientCode, "client-code", "", "Broker client code (defaults to broker.client_code)")
	cmd.Flags().StringVar(&password, "password", "", "Broker PIN or password (defaults to ANGEL_PASSWORD)")
	cmd.Flags().StringVar(&totp, "totp", "", "Current TOTP code")
	_ = cmd.MarkFlagRequired("totp")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Log out and remove the persisted session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			d, err := dashboard.New(dashboard.Options{Config: cfg})
			if err != nil {
				return err
			}
			defer d.Stop()

			if _, err := d.Sessions().RestoreFromStore(cmd.Context()); err != nil && !errors.Is(err, session.ErrNotFound) {
				return err
			}
			return d.Logout(cmd.Context())
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the persisted session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			d, err := dashboard.New(dashboard.Options{Config: cfg})
			if err != nil {
				return err
			}
			defer d.Stop()

			if _, err := d.Sessions().RestoreFromStore(cmd.Context()); err != nil && !errors.Is(err, session.ErrNotFound) {
				fmt.Fprintf(os.Stderr, "stored session unusable: %v\n", err)
			}
			return printJSON(struct {
				Provider    string                  `json:"provider"`
				Instruments int                     `json:"instruments"`
				Session     dashboard.SessionStatus `json:"session"`
			}{cfg.Broker.Provider, len(cfg.Instruments), d.SessionStatus()})
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dashboard version %s\n", version)
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
