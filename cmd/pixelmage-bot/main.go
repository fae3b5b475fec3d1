package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/config"
)

var (
	cfgFile    string
	dotEnvFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pixelmage-bot",
		Short: "PixelMage image generation bot",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the bot, the ops HTTP server and background sweeps",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(cmd.Context())
		},
	})
	rootCmd.AddCommand(newAdminTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&dotEnvFile, "env-file", ".env", "Path to a dotenv file loaded before configuration")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Ops HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("cache-dsn", defaults.GetString("database.cache_dsn"), "Cache store DSN")
	cmd.PersistentFlags().String("payments-dsn", defaults.GetString("database.payments_dsn"), "Payments store DSN")
	cmd.PersistentFlags().String("artifacts-dir", defaults.GetString("artifacts.dir"), "Directory for generated images")
	cmd.PersistentFlags().Int("queue-capacity", defaults.GetInt("queue.capacity"), "Maximum generation jobs in flight")
	cmd.PersistentFlags().String("sessions-backend", defaults.GetString("sessions.backend"), "Session store (memory, redis)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.cache_dsn", "cache-dsn")
	bindFlag(cmd, "database.payments_dsn", "payments-dsn")
	bindFlag(cmd, "artifacts.dir", "artifacts-dir")
	bindFlag(cmd, "queue.capacity", "queue-capacity")
	bindFlag(cmd, "sessions.backend", "sessions-backend")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadDotEnv(dotEnvFile); err != nil {
		return fmt.Errorf("load %s: %w", dotEnvFile, err)
	}
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newAdminTokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "admin-token",
		Short: "Print a bearer token for the ops admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.AdminSigningSecret),
				Issuer:        auth.AdminIssuer,
				Audience:      auth.OpsAudience,
				TokenTTL:      appConfig.AdminTokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.Issue("admin:" + strconv.FormatInt(appConfig.TelegramAdminUserID, 10))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %ds\n", expiresIn)
			return nil
		},
	}
}
