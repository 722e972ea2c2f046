// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoheal/internal/config"
	"github.com/xkilldash9x/autoheal/internal/observability"
	"github.com/xkilldash9x/autoheal/internal/service"
)

type configKey struct{}

// NewRootCommand builds a fresh command tree. Each call returns independent flag state, which
// the interactive shell relies on.
func NewRootCommand() *cobra.Command {
	return newRootCommand(service.NewComponentFactory())
}

func newRootCommand(factory service.ComponentFactory) *cobra.Command {
	var cfgFile string
	v := viper.New()

	root := &cobra.Command{
		Use:           "autoheal",
		Short:         "autoheal resolves UI element locators and heals the ones that stop matching.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, v, cfgFile)
			if err != nil {
				// Initialize a fallback logger so the failure itself is reported.
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "autoheal"})
				return err
			}
			observability.InitializeLogger(cfg.Logger)
			cmd.SetContext(context.WithValue(cmd.Context(), configKey{}, cfg))

			observability.GetLogger().Debug("Starting autoheal", zap.String("version", Version))
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml or ~/.autoheal/config.yaml)")
	root.PersistentFlags().String("log-level", "", "override logger.level (debug, info, warn, error)")
	root.SetVersionTemplate(`{{printf "%s version %s\n" .Name .Version}}`)

	root.AddCommand(
		newResolveCmd(factory),
		newRenderCmd(),
		newCacheCmd(),
		newVersionCmd(),
	)
	return root
}

// Execute runs the command tree for the process arguments.
func Execute(ctx context.Context) error {
	err := NewRootCommand().ExecuteContext(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			observability.GetLogger().Info("Command canceled.")
		} else {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
	}
	observability.Sync()
	return err
}

// loadConfig layers defaults, the config file, AUTOHEAL_* environment variables and flag
// overrides, in that order of increasing precedence.
func loadConfig(cmd *cobra.Command, v *viper.Viper, cfgFile string) (*config.Config, error) {
	config.SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.autoheal")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("AUTOHEAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// No config file; defaults and environment apply.
	}

	if f := cmd.Root().PersistentFlags().Lookup("log-level"); f != nil && f.Changed {
		v.Set("logger.level", f.Value.String())
	}
	return config.NewConfigFromViper(v)
}

// configFrom returns the configuration loaded by the root command, or the defaults when the
// command runs without it.
func configFrom(cmd *cobra.Command) *config.Config {
	if cfg, ok := cmd.Context().Value(configKey{}).(*config.Config); ok {
		return cfg
	}
	return config.NewDefaultConfig()
}
