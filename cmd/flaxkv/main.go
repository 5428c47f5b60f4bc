package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/KenyonY/flaxkv/pkg/log"
	"github.com/KenyonY/flaxkv/pkg/server"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "flaxkv",
	Short: "flaxkv - dictionary-style persistent key-value store",
	Long: `flaxkv stores richly typed keys and values in an embedded
B+-tree or LSM backend behind a dictionary interface, batching writes
asynchronously. The serve subcommand hosts databases over HTTP for
remote clients with live change notifications.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"flaxkv version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{
		Level:      log.Level(level),
		JSONOutput: jsonOut,
	})
}

// serverConfig mirrors the serve flags for file-based configuration.
type serverConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Root string `yaml:"root"`
}

func loadConfig(path string) (serverConfig, error) {
	cfg := serverConfig{Host: "0.0.0.0", Port: 8000, Root: "./FLAXKV_DB"}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the flaxkv server",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("host") {
			cfg.Host, _ = cmd.Flags().GetString("host")
		}
		if cmd.Flags().Changed("port") {
			cfg.Port, _ = cmd.Flags().GetInt("port")
		}
		if cmd.Flags().Changed("root") {
			cfg.Root, _ = cmd.Flags().GetString("root")
		}

		srv := server.NewServer(cfg.Root, log.WithComponent("server"))

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Start(fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return err
		case sig := <-sigCh:
			log.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return srv.Stop(ctx)
		}
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to yaml config file")
	serveCmd.Flags().String("host", "0.0.0.0", "Listen address")
	serveCmd.Flags().Int("port", 8000, "Listen port")
	serveCmd.Flags().String("root", "./FLAXKV_DB", "Database root directory")
}
