package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/keishi/grant-insight/internal/api"
	"github.com/keishi/grant-insight/internal/config"
	"github.com/keishi/grant-insight/internal/db"
)

func main() {
	root := &cobra.Command{
		Use:           "grant-insight",
		Short:         "Grant matching and retrieval engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(serveCmd(), migrateCmd(), seedCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func bootstrap(ctx context.Context) (*config.Config, db.Pool, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	if err := config.InitLogger(cfg.Log); err != nil {
		return nil, nil, nil, err
	}

	pool, err := db.Connect(ctx, cfg.Store.DatabaseURL)
	if err != nil {
		return nil, nil, nil, err
	}

	return cfg, pool, pool.Close, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, pool, closePool, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer closePool()

			if err := db.ApplyMigrations(ctx, pool); err != nil {
				return err
			}

			server, err := api.NewServer(pool, cfg)
			if err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() {
				errCh <- server.Start(cfg.Server.Port)
			}()
			zap.L().Info("server started", zap.Int("port", cfg.Server.Port))

			select {
			case err := <-errCh:
				if err != nil && err != http.ErrServerClosed {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			zap.L().Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, pool, closePool, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer closePool()

			return db.ApplyMigrations(ctx, pool)
		},
	}
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Insert a demo grant dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, pool, closePool, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer closePool()

			if err := db.ApplyMigrations(ctx, pool); err != nil {
				return err
			}

			count, err := seedGrants(ctx, pool)
			if err != nil {
				return err
			}
			zap.L().Info("seed complete", zap.Int("count", count))
			return nil
		},
	}
}

type seedGrant struct {
	Title          string
	Excerpt        string
	AmountYen      int64
	Deadline       *time.Time
	Prefecture     string
	PrefectureSlug string
	CategoryNames  []string
	CategorySlugs  []string
	Organization   string
	Difficulty     string
	SuccessRate    int
}

func seedGrants(ctx context.Context, pool db.Pool) (int, error) {
	seeds := []seedGrant{
		{
			Title:          "IT導入補助金2026",
			Excerpt:        "中小企業・小規模事業者のITツール導入費用を補助します。会計ソフトやECサイト構築も対象です。",
			AmountYen:      4_500_000,
			Deadline:       timePtr(time.Date(2026, 11, 30, 15, 0, 0, 0, time.UTC)),
			Prefecture:     "全国",
			PrefectureSlug: "nationwide",
			CategoryNames:  []string{"IT・デジタル", "DX推進"},
			CategorySlugs:  []string{"it", "dx"},
			Organization:   "経済産業省",
			Difficulty:     "normal",
			SuccessRate:    55,
		},
		{
			Title:          "ものづくり・商業・サービス生産性向上促進補助金",
			Excerpt:        "革新的な製品・サービス開発や生産プロセス改善に必要な設備投資を支援します。",
			AmountYen:      12_500_000,
			Deadline:       timePtr(time.Date(2026, 10, 20, 15, 0, 0, 0, time.UTC)),
			Prefecture:     "全国",
			PrefectureSlug: "nationwide",
			CategoryNames:  []string{"設備投資", "製造業"},
			CategorySlugs:  []string{"equipment", "manufacturing"},
			Organization:   "中小企業庁",
			Difficulty:     "hard",
			SuccessRate:    40,
		},
		{
			Title:          "東京都創業助成金",
			Excerpt:        "都内で創業予定または創業5年未満の中小企業者に対し、賃借料や人件費など創業初期の経費を助成します。",
			AmountYen:      3_000_000,
			Deadline:       timePtr(time.Date(2026, 10, 10, 8, 0, 0, 0, time.UTC)),
			Prefecture:     "東京都",
			PrefectureSlug: "tokyo",
			CategoryNames:  []string{"創業支援"},
			CategorySlugs:  []string{"startup"},
			Organization:   "東京都中小企業振興公社",
			Difficulty:     "normal",
			SuccessRate:    30,
		},
		{
			Title:          "小規模事業者持続化補助金",
			Excerpt:        "小規模事業者の販路開拓や業務効率化の取り組みを支援します。チラシ作成や店舗改装も対象です。",
			AmountYen:      500_000,
			Deadline:       timePtr(time.Date(2026, 12, 12, 15, 0, 0, 0, time.UTC)),
			Prefecture:     "全国",
			PrefectureSlug: "nationwide",
			CategoryNames:  []string{"販路開拓", "小規模事業者"},
			CategorySlugs:  []string{"export", "small-business"},
			Organization:   "日本商工会議所",
			Difficulty:     "easy",
			SuccessRate:    60,
		},
		{
			Title:          "キャリアアップ助成金",
			Excerpt:        "有期雇用労働者の正社員化や処遇改善に取り組む事業主を助成します。",
			AmountYen:      800_000,
			Prefecture:     "全国",
			PrefectureSlug: "nationwide",
			CategoryNames:  []string{"雇用・人材"},
			CategorySlugs:  []string{"employment"},
			Organization:   "厚生労働省",
			Difficulty:     "easy",
			SuccessRate:    70,
		},
		{
			Title:          "大阪府中小企業DX推進補助金",
			Excerpt:        "府内中小企業のデジタルトランスフォーメーション推進に必要なシステム導入費用を補助します。",
			AmountYen:      2_000_000,
			Deadline:       timePtr(time.Date(2026, 9, 30, 8, 0, 0, 0, time.UTC)),
			Prefecture:     "大阪府",
			PrefectureSlug: "osaka",
			CategoryNames:  []string{"IT・デジタル", "DX推進"},
			CategorySlugs:  []string{"it", "dx"},
			Organization:   "大阪産業局",
			Difficulty:     "normal",
			SuccessRate:    45,
		},
		{
			Title:          "事業再構築補助金",
			Excerpt:        "新分野展開や業態転換など、思い切った事業再構築に意欲のある中小企業の挑戦を支援します。",
			AmountYen:      80_000_000,
			Deadline:       timePtr(time.Date(2027, 1, 15, 15, 0, 0, 0, time.UTC)),
			Prefecture:     "全国",
			PrefectureSlug: "nationwide",
			CategoryNames:  []string{"事業転換", "設備投資"},
			CategorySlugs:  []string{"restructuring", "equipment"},
			Organization:   "中小企業庁",
			Difficulty:     "expert",
			SuccessRate:    35,
		},
		{
			Title:          "愛知県研究開発型スタートアップ支援事業",
			Excerpt:        "県内の研究開発型スタートアップに対し、試作品開発や実証実験の費用を補助します。",
			AmountYen:      10_000_000,
			Deadline:       timePtr(time.Date(2026, 10, 31, 8, 0, 0, 0, time.UTC)),
			Prefecture:     "愛知県",
			PrefectureSlug: "aichi",
			CategoryNames:  []string{"研究開発", "創業支援"},
			CategorySlugs:  []string{"rd", "startup"},
			Organization:   "愛知県経済産業局",
			Difficulty:     "hard",
			SuccessRate:    25,
		},
	}

	count := 0
	for _, seed := range seeds {
		_, err := pool.Exec(ctx, `
			INSERT INTO grants (
				title, excerpt, amount_yen, deadline, prefecture, prefecture_slug,
				category_names, category_slugs, organization, application_status,
				success_rate, difficulty
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'open', $10, $11)
			ON CONFLICT DO NOTHING
		`,
			seed.Title, seed.Excerpt, seed.AmountYen, seed.Deadline,
			seed.Prefecture, seed.PrefectureSlug, seed.CategoryNames, seed.CategorySlugs,
			seed.Organization, seed.SuccessRate, seed.Difficulty,
		)
		if err != nil {
			return count, err
		}
		count++
	}

	return count, nil
}

func timePtr(t time.Time) *time.Time {
	return &t
}
