package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"trackingest/logger"
	"trackingest/server"
)

var serverCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "启动 HTTP 上传服务",
	Long:    `Start the HTTP API: queued single uploads, synchronous batches, track edits and deletes, job status over polling or websocket.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		d, err := a.dispatcher(ctx, cfg)
		if err != nil {
			return err
		}
		defer d.Stop()

		srv := server.New(d, cfg.MaxUploadBytes, a.checks)
		if err := server.ListenAndServe(ctx, cfg.HTTPAddr, srv.Router()); err != nil {
			return err
		}
		logger.Info("draining ingestion queue")
		return nil
	},
}

func init() {
	// 不带子命令时直接启动服务
	rootCmd.RunE = serverCmd.RunE
	rootCmd.AddCommand(serverCmd)
}
