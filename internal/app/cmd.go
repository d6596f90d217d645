package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hitoshi/bankfeed/internal/config"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker は定期同期と滞留セッション回収を行うワーカーモードを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandSync は1件の銀行連携を手動で同期することを示す。
	CommandSync Command = "sync"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。サブコマンドが省略された場合はserveとして起動する。
// SIGINTまたはSIGTERMを受信するとコマンドのcontextをキャンセルする。
func Run(w io.Writer, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := NewRootCommand(w)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// NewRootCommand はすべてのサブコマンドを登録したルートコマンドを生成する。
// wは構造化ログの出力先。
func NewRootCommand(w io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "bankfeed",
		Short: "Bank feed synchronization service",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
		RunE: withConfig(w, CommandServe, func(cmd *cobra.Command, cfg *config.Config, log *slog.Logger) error {
			return runServe(cmd.Context(), cfg, log)
		}),
	}

	root.AddCommand(
		newServeCommand(w),
		newWorkerCommand(w),
		newMigrateCommand(w),
		newSyncCommand(w),
		newHealthcheckCommand(),
	)
	return root
}

// withConfig は設定とロガーを初期化してからfnを実行するRunE関数を返す。
func withConfig(w io.Writer, name Command, fn func(cmd *cobra.Command, cfg *config.Config, log *slog.Logger) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := Init(w)
		if err != nil {
			return fmt.Errorf("initialization failed: %w", err)
		}
		log.Info("starting application",
			slog.String("command", string(name)),
			slog.String("port", cfg.ServerPort),
		)
		return fn(cmd, cfg, log)
	}
}

func newServeCommand(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   string(CommandServe),
		Short: "Start the HTTP API server",
		Args:  cobra.NoArgs,
		RunE: withConfig(w, CommandServe, func(cmd *cobra.Command, cfg *config.Config, log *slog.Logger) error {
			return runServe(cmd.Context(), cfg, log)
		}),
	}
}

func newWorkerCommand(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   string(CommandWorker),
		Short: "Run the sync scheduler and the stale session reaper",
		Args:  cobra.NoArgs,
		RunE: withConfig(w, CommandWorker, func(cmd *cobra.Command, cfg *config.Config, log *slog.Logger) error {
			return runWorker(cmd.Context(), cfg, log)
		}),
	}
}

func newMigrateCommand(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   string(CommandMigrate),
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: withConfig(w, CommandMigrate, func(cmd *cobra.Command, cfg *config.Config, log *slog.Logger) error {
			return runMigrate(cfg, log)
		}),
	}
}

func newSyncCommand(w io.Writer) *cobra.Command {
	var opts syncOptions

	cmd := &cobra.Command{
		Use:   string(CommandSync),
		Short: "Synchronize one bank connection now",
		Args:  cobra.NoArgs,
		RunE: withConfig(w, CommandSync, func(cmd *cobra.Command, cfg *config.Config, log *slog.Logger) error {
			return runSync(cmd.Context(), cfg, log, cmd.OutOrStdout(), opts)
		}),
	}

	cmd.Flags().StringVar(&opts.workspaceID, "workspace", "", "workspace id (required)")
	cmd.Flags().StringVar(&opts.connectionID, "connection", "", "bank connection id (required)")
	cmd.Flags().StringVar(&opts.from, "from", "", "start date YYYY-MM-DD (default: now minus the default lookback)")
	cmd.Flags().StringVar(&opts.to, "to", "", "end date YYYY-MM-DD (default: now)")
	_ = cmd.MarkFlagRequired("workspace")
	_ = cmd.MarkFlagRequired("connection")

	return cmd
}

// newHealthcheckCommand は軽量サブコマンドのため、設定の読み込みをスキップする。
func newHealthcheckCommand() *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   string(CommandHealthcheck),
		Short: "Probe the local /health endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHealthcheck(cmd.Context(), port)
		},
	}

	defaultPort := os.Getenv("SERVER_PORT")
	if defaultPort == "" {
		defaultPort = "8080"
	}
	cmd.Flags().StringVar(&port, "port", defaultPort, "port of the local HTTP server")

	return cmd
}
