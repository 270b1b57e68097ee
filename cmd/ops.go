package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/anoixa/product-images/config"
	"github.com/anoixa/product-images/internal/app"
	"github.com/anoixa/product-images/internal/auth"
	"github.com/anoixa/product-images/internal/authz"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// reconcileCmd 重新计算商品的内嵌图片与主图缓存
var reconcileCmd = &cobra.Command{
	Use:   "reconcile [ID...]",
	Short: "Reconcile embedded images and primary cache",
	Long: `Recompute each product's embedded image list and primary image cache from its approved records.
With --all every product is reconciled in batches; with --canonical every member of the given canonical groups.`,
	Run: func(cmd *cobra.Command, args []string) {
		all, _ := cmd.Flags().GetBool("all")
		canonical, _ := cmd.Flags().GetBool("canonical")
		batch, _ := cmd.Flags().GetInt("batch-size")
		if len(args) == 0 && !all {
			log.Fatal().Msg("Specify product IDs or --all")
		}

		err := withEngine(func(ctx context.Context, c *app.Container) error {
			e := c.Engine()
			if all {
				summary, err := e.ReconcileAll(ctx, batch)
				if err != nil {
					return err
				}
				return printJSON(summary)
			}
			if canonical {
				for _, id := range args {
					outcomes, err := e.ReconcileCanonical(ctx, id)
					if err != nil {
						return fmt.Errorf("canonical %s: %w", id, err)
					}
					if err := printJSON(outcomes); err != nil {
						return err
					}
				}
				return nil
			}
			for _, id := range args {
				outcome, err := e.Reconcile(ctx, id)
				if err != nil {
					return fmt.Errorf("product %s: %w", id, err)
				}
				if err := printJSON(outcome); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Reconcile failed")
		}
	},
}

// backfillCmd 把旧版内嵌图片迁移为记录
var backfillCmd = &cobra.Command{
	Use:   "backfill <productID...>",
	Short: "Create image records for legacy embedded images",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		err := withEngine(func(ctx context.Context, c *app.Container) error {
			for _, id := range args {
				result, err := c.Engine().Backfill(ctx, id)
				if err != nil {
					return fmt.Errorf("product %s: %w", id, err)
				}
				log.Info().
					Str("product_id", id).
					Int("created", len(result.Created)).
					Int("approved", result.Approved).
					Int("pending", result.Pending).
					Msg("Backfill finished")
			}
			return nil
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Backfill failed")
		}
	},
}

// downloadCmd 同步把图片下载到 CDN
var downloadCmd = &cobra.Command{
	Use:   "download <imageID...>",
	Short: "Download images to the CDN synchronously",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		err := withEngine(func(ctx context.Context, c *app.Container) error {
			failed := 0
			for _, id := range args {
				rec, err := c.Engine().DownloadToCDN(ctx, id)
				if err != nil {
					failed++
					log.Error().Err(err).Str("image_id", id).Msg("Download failed")
					continue
				}
				log.Info().Str("image_id", id).Str("url", rec.DisplayURL()).Msg("Image downloaded")
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d downloads failed", failed, len(args))
			}
			return nil
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Download failed")
		}
	},
}

// tokenCmd 为服务调用方签发访问令牌
var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Issue an access token",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		role, _ := cmd.Flags().GetString("role")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		token, expiresAt, err := issueToken(config.Get(), args[0], role, ttl)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to issue token")
		}
		fmt.Println(token)
		log.Info().Str("subject", args[0]).Str("role", role).Time("expires_at", expiresAt).Msg("Token issued")
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd, backfillCmd, downloadCmd, tokenCmd)

	reconcileCmd.Flags().Bool("all", false, "Reconcile every product")
	reconcileCmd.Flags().Bool("canonical", false, "Treat arguments as canonical product IDs")
	reconcileCmd.Flags().Int("batch-size", 200, "Products per batch with --all")

	tokenCmd.Flags().String("role", authz.RoleReviewer, "Role: admin, reviewer, agent")
	tokenCmd.Flags().Duration("ttl", 0, "Token lifetime (defaults to jwt_token_ttl)")
}

// issueToken 签发令牌，ttl 为 0 时使用配置值
func issueToken(cfg *config.Config, subject, role string, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		ttl = cfg.JWTTokenTTL
	}
	svc, err := auth.NewJWTService(cfg.JWTSecret, ttl)
	if err != nil {
		return "", time.Time{}, err
	}
	return svc.GenerateAccessToken(subject, role)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
