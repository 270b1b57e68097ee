package cmd

import (
	"context"

	"github.com/anoixa/product-images/internal/app"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// cacheCmd 缓存管理命令
var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Cache management commands",
	Long:  "Rewrite primary image caches on products and drop cached visible image sets.",
}

// cacheRefreshCmd 按当前主图记录重写商品的主图缓存字段
var cacheRefreshCmd = &cobra.Command{
	Use:   "refresh <productID...>",
	Short: "Rewrite the primary image cache of products",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		err := withEngine(func(ctx context.Context, c *app.Container) error {
			for _, id := range args {
				imgCache, err := c.Engine().RefreshCache(ctx, id)
				if err != nil {
					return err
				}
				log.Info().Str("product_id", id).Str("url", imgCache.PrimaryImageURL).Bool("displayable", imgCache.HasDisplayableImage).Msg("Primary image cache refreshed")
			}
			return nil
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Cache refresh failed")
		}
	},
}

// cacheClearCmd 清除可见集合缓存
var cacheClearCmd = &cobra.Command{
	Use:   "clear <productID...>",
	Short: "Drop cached visible image sets",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		err := withEngine(func(ctx context.Context, c *app.Container) error {
			log.Info().Str("provider", c.Cache().Name()).Int("products", len(args)).Msg("Clearing visible image cache")
			c.Engine().Reader.Invalidate(ctx, args...)
			return nil
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Cache clear failed")
		}
	},
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheRefreshCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}
