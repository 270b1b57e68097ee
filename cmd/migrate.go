package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/anoixa/product-images/config"
	"github.com/anoixa/product-images/database"
	"github.com/anoixa/product-images/database/models"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// migrateCmd 数据库迁移命令
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Database migration tools",
	Long:  `Create the schema, or copy products and image records from one database to another.`,
}

// migrateSchemaCmd 建表
var migrateSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Create or update tables in the configured database",
	Run: func(cmd *cobra.Command, args []string) {
		factory, err := database.NewFactory(config.Get())
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer factory.Close()

		if err := factory.AutoMigrate(); err != nil {
			log.Fatal().Err(err).Msg("Schema migration failed")
		}
	},
}

// migrateRunCmd 跨库复制数据
var migrateRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Copy data between databases",
	Long: `Copy canonical products, products and image records from source to target database.

Examples:
  # SQLite to PostgreSQL
  product-images migrate run --from-type sqlite --from-dsn ./data/product-images.db \
    --to-type postgres --to-dsn "host=localhost user=postgres password=secret dbname=products port=5432"

  # Replace rows that already exist in the target
  product-images migrate run ... --on-conflict=overwrite`,
	Run: func(cmd *cobra.Command, args []string) {
		opts := migrateOptions{}
		opts.fromType, _ = cmd.Flags().GetString("from-type")
		opts.toType, _ = cmd.Flags().GetString("to-type")
		opts.fromDSN, _ = cmd.Flags().GetString("from-dsn")
		opts.toDSN, _ = cmd.Flags().GetString("to-dsn")
		opts.batchSize, _ = cmd.Flags().GetInt("batch-size")
		opts.onConflict, _ = cmd.Flags().GetString("on-conflict")

		stats, err := runMigration(context.Background(), opts)
		if stats != nil {
			printMigrateStats(stats)
		}
		if err != nil {
			log.Fatal().Err(err).Msg("Migration failed")
		}
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateSchemaCmd)
	migrateCmd.AddCommand(migrateRunCmd)

	migrateRunCmd.Flags().String("from-type", "", "Source database type (sqlite, postgres, mysql)")
	migrateRunCmd.Flags().String("to-type", "", "Target database type (sqlite, postgres, mysql)")
	migrateRunCmd.Flags().String("from-dsn", "", "Source database DSN/connection string")
	migrateRunCmd.Flags().String("to-dsn", "", "Target database DSN/connection string")
	migrateRunCmd.Flags().Int("batch-size", 500, "Batch size for data migration")
	migrateRunCmd.Flags().String("on-conflict", "skip", "Conflict resolution strategy: skip (default), overwrite, error")
}

type migrateOptions struct {
	fromType, fromDSN string
	toType, toDSN     string
	batchSize         int
	onConflict        string
}

// migrateStats 迁移统计
type migrateStats struct {
	canonicals int64
	products   int64
	records    int64
}

// runMigration 执行数据库迁移
func runMigration(ctx context.Context, opts migrateOptions) (*migrateStats, error) {
	if opts.onConflict != "skip" && opts.onConflict != "overwrite" && opts.onConflict != "error" {
		return nil, fmt.Errorf("invalid on-conflict strategy: %s (must be skip, overwrite, or error)", opts.onConflict)
	}
	if opts.fromType == "" || opts.toType == "" {
		return nil, fmt.Errorf("both --from-type and --to-type are required")
	}
	if opts.fromDSN == "" || opts.toDSN == "" {
		return nil, fmt.Errorf("both --from-dsn and --to-dsn are required")
	}
	if opts.fromType == opts.toType && opts.fromDSN == opts.toDSN {
		return nil, fmt.Errorf("source and target databases are the same")
	}
	if opts.batchSize <= 0 {
		opts.batchSize = 500
	}

	log.Info().
		Str("from", opts.fromType).
		Str("to", opts.toType).
		Str("source", maskDSN(opts.fromDSN)).
		Str("target", maskDSN(opts.toDSN)).
		Str("onConflict", opts.onConflict).
		Msg("Migrating database")

	sourceDB, err := openDatabase(opts.fromType, opts.fromDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to source database: %w", err)
	}
	defer closeDatabase(sourceDB)

	targetDB, err := openDatabase(opts.toType, opts.toDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to target database: %w", err)
	}
	defer closeDatabase(targetDB)

	if err := targetDB.AutoMigrate(models.All()...); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	stats := &migrateStats{}
	src := sourceDB.WithContext(ctx)
	dst := targetDB.WithContext(ctx)

	// 先复制被引用方
	if stats.canonicals, err = copyTable[models.CanonicalProduct](src, dst, opts); err != nil {
		return stats, fmt.Errorf("canonical products: %w", err)
	}
	if stats.products, err = copyTable[models.Product](src, dst, opts); err != nil {
		return stats, fmt.Errorf("products: %w", err)
	}
	if stats.records, err = copyTable[models.ImageRecord](src, dst, opts); err != nil {
		return stats, fmt.Errorf("image records: %w", err)
	}

	log.Info().Msg("Migration completed successfully!")
	return stats, nil
}

// copyTable 按主键分批复制一张表
func copyTable[T any](src, dst *gorm.DB, opts migrateOptions) (int64, error) {
	var copied int64
	var rows []T
	result := src.FindInBatches(&rows, opts.batchSize, func(tx *gorm.DB, batch int) error {
		insert := dst
		switch opts.onConflict {
		case "skip":
			insert = dst.Clauses(clause.OnConflict{DoNothing: true})
		case "overwrite":
			insert = dst.Clauses(clause.OnConflict{UpdateAll: true})
		}
		res := insert.Create(&rows)
		if res.Error != nil {
			return fmt.Errorf("batch %d: %w", batch, res.Error)
		}
		copied += res.RowsAffected
		return nil
	})
	if result.Error != nil {
		return copied, result.Error
	}
	log.Info().Int64("rows", copied).Msgf("Copied %T rows", *new(T))
	return copied, nil
}

// openDatabase 打开数据库连接
func openDatabase(dbType, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch dbType {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	// 设置连接池
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

func closeDatabase(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// maskDSN 隐藏敏感信息
func maskDSN(dsn string) string {
	if len(dsn) > 50 {
		return dsn[:50] + "..."
	}
	return dsn
}

// printMigrateStats 打印迁移统计
func printMigrateStats(stats *migrateStats) {
	fmt.Println()
	fmt.Println("========================================")
	fmt.Println("       Migration Statistics")
	fmt.Println("========================================")
	fmt.Printf("Canonical products: %d\n", stats.canonicals)
	fmt.Printf("Products:           %d\n", stats.products)
	fmt.Printf("Image records:      %d\n", stats.records)
	fmt.Println("========================================")
}
