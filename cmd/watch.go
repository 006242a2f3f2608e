package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"trackingest/core/ingest"
)

var (
	watchDir    string
	watchSettle time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Ingest audio files dropped into a folder",
	Long:  `Watch --dir and queue every audio file copied into it for --owner. Handled files move to submitted/ or failed/ under the folder.`,
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
		// Stop waits for running ingestions after the watcher returns
		defer d.Stop()

		w := &ingest.FolderWatcher{
			Dir:     watchDir,
			OwnerID: ownerID,
			Settle:  watchSettle,
			Submit:  d,
		}
		return w.Run(ctx)
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchDir, "dir", "", "drop folder")
	watchCmd.Flags().StringVar(&ownerID, "owner", "", "owner id for every dropped file")
	watchCmd.Flags().DurationVar(&watchSettle, "settle", 2*time.Second, "quiet period before a file is picked up")
	watchCmd.MarkFlagRequired("dir")
	watchCmd.MarkFlagRequired("owner")
	rootCmd.AddCommand(watchCmd)
}
