package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/anoixa/product-images/config"
	"github.com/anoixa/product-images/internal/app"
	"github.com/anoixa/product-images/internal/authz"
	"github.com/anoixa/product-images/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "product-images",
	Short: "Product image resolution, approval and sync engine",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		config.InitConfig()
		cfg := config.Get()
		logging.Setup(cfg.LogLevel, cfg.LogFormat)
	},
	Run: func(cmd *cobra.Command, args []string) {
		serveCmd.Run(cmd, args)
	},
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file path (eg: /etc/product-images/config.yaml)")
	err := viper.BindPFlag("config_file_path", rootCmd.PersistentFlags().Lookup("config"))
	if err != nil {
		return
	}
}

// withEngine 为一次性运维命令组装容器，以系统身份执行 fn
func withEngine(fn func(ctx context.Context, c *app.Container) error) error {
	c := app.NewContainer(config.Get())
	defer func() {
		_ = c.Close()
	}()

	ctx := context.Background()
	if err := c.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize container: %w", err)
	}
	return fn(authz.WithActor(ctx, authz.System()), c)
}
