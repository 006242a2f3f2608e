package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"trackingest/config"
	"trackingest/db"
)

var pingCmd = &cobra.Command{
	Use:     "ping",
	Aliases: []string{"redis"},
	Short:   "后端连接测试",
	Long:    `Check that the configured blob store, metadata store, job tracker, ffmpeg and ffprobe are reachable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		out := cmd.OutOrStdout()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		failed := 0
		report := func(name string, err error) {
			if err != nil {
				failed++
				fmt.Fprintf(out, "%-10s FAIL %v\n", name, err)
				return
			}
			fmt.Fprintf(out, "%-10s ok\n", name)
		}

		for _, name := range []string{"blobs", "metadata"} {
			if check, ok := a.checks[name]; ok {
				report(name, check(ctx))
			} else {
				fmt.Fprintf(out, "%-10s local\n", name)
			}
		}
		report("ffmpeg", a.ffmpeg.Available())
		// ffprobe 只用于校验转码输出，缺失时不算失败
		if err := a.ffmpeg.ProbeAvailable(); err != nil {
			fmt.Fprintf(out, "%-10s missing, output checks skipped\n", "ffprobe")
		} else {
			fmt.Fprintf(out, "%-10s ok\n", "ffprobe")
		}

		if cfg.JobBackend == config.JobsRedis {
			// 测试 Redis 基本读写
			client, err := db.ConnectRedis(ctx, cfg)
			if err == nil {
				err = db.TestRedis(ctx, client)
				client.Close()
			}
			report("jobs", err)
		} else {
			fmt.Fprintf(out, "%-10s local\n", "jobs")
		}

		if failed > 0 {
			return fmt.Errorf("%d backend(s) unreachable", failed)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pingCmd)
}
