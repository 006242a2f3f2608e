package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"trackingest/storage"
)

var (
	blobPrefix string
	blobStats  bool
	blobDirs   bool
	blobDelete bool
)

var blobsCmd = &cobra.Command{
	Use:     "blobs",
	Aliases: []string{"minio"},
	Short:   "存储桶管理",
	Long:    `List, summarize or delete objects in the configured blob store. Works with every backend; sizes are reported where the backend exposes them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := storage.Open(ctx, cfg)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		switch {
		case blobDelete:
			// 删除目录
			if blobPrefix == "" {
				return fmt.Errorf("delete needs a --prefix")
			}
			n, err := storage.DeletePrefix(ctx, store, blobPrefix)
			fmt.Fprintf(out, "deleted %d objects under %s\n", n, blobPrefix)
			return err

		case blobDirs:
			// 显示目录结构
			keys, err := store.List(ctx, blobPrefix)
			if err != nil {
				return err
			}
			for _, d := range storage.Dirs(keys) {
				fmt.Fprintf(out, "%s/\n", d)
			}
			return nil

		case blobStats:
			_, stats, err := storage.Stats(ctx, store, blobPrefix)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "objects: %d\n", stats.TotalObjects)
			fmt.Fprintf(out, "size:    %s\n", storage.FormatSize(stats.TotalSize))
			if !stats.LastModified.IsZero() {
				fmt.Fprintf(out, "latest:  %s\n", stats.LastModified.Local().Format("2006-01-02 15:04:05"))
			}
			printSizes(cmd, "by extension", stats.SizeByExt)
			printSizes(cmd, "by owner", stats.SizeByOwner)
			return nil

		default:
			objects, _, err := storage.Stats(ctx, store, blobPrefix)
			if err != nil {
				return err
			}
			if len(objects) == 0 {
				fmt.Fprintln(out, "no objects")
				return nil
			}
			fmt.Fprintln(out, renderObjects(objects))
			return nil
		}
	},
}

func printSizes(cmd *cobra.Command, label string, sizes map[string]int64) {
	if len(sizes) == 0 {
		return
	}
	keys := make([]string, 0, len(sizes))
	for k := range sizes {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return sizes[keys[i]] > sizes[keys[j]] })

	fmt.Fprintf(cmd.OutOrStdout(), "%s:\n", label)
	for _, k := range keys {
		name := k
		if name == "" {
			name = "(none)"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "  %-24s %s\n", name, storage.FormatSize(sizes[k]))
	}
}

func init() {
	blobsCmd.Flags().StringVarP(&blobPrefix, "prefix", "p", "", "只处理该前缀下的对象")
	blobsCmd.Flags().BoolVarP(&blobStats, "stats", "s", false, "显示统计信息")
	blobsCmd.Flags().BoolVarP(&blobDirs, "dirs", "r", false, "显示目录结构")
	blobsCmd.Flags().BoolVarP(&blobDelete, "delete", "d", false, "删除前缀下的所有对象")
	rootCmd.AddCommand(blobsCmd)
}
