package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"trackingest/core/ingest"
	"trackingest/model"
	"trackingest/storage"
)

var (
	ownerID     string
	trackID     string
	title       string
	description string
	filePath    string
	olderThan   time.Duration
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest one audio file synchronously",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		data, err := os.ReadFile(filePath)
		if err != nil {
			return err
		}
		if title == "" {
			base := filepath.Base(filePath)
			title = strings.TrimSuffix(base, filepath.Ext(base))
		}

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		rec, err := a.orch.IngestWithProgress(ctx, model.UploadRequest{
			OwnerID:        ownerID,
			Title:          title,
			Description:    description,
			Source:         data,
			SourceFilename: filepath.Base(filePath),
		}, func(id string, state ingest.State) {
			fmt.Fprintf(cmd.ErrOrStderr(), "  %-12s %s\n", state, id)
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderTracks([]*model.TrackRecord{rec}))
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete a track and its stored audio",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.orch.Delete(cmd.Context(), trackID, ownerID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", trackID)
		return nil
	},
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Edit a track's title or description",
	RunE: func(cmd *cobra.Command, args []string) error {
		var fields ingest.TrackUpdateFields
		if cmd.Flags().Changed("title") {
			fields.Title = &title
		}
		if cmd.Flags().Changed("description") {
			fields.Description = &description
		}

		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		rec, err := a.orch.Update(cmd.Context(), trackID, ownerID, fields)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderTracks([]*model.TrackRecord{rec}))
		return nil
	},
}

var tracksCmd = &cobra.Command{
	Use:   "tracks",
	Short: "List an owner's published tracks",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		recs, err := a.orch.ListTracks(cmd.Context(), ownerID)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no tracks")
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderTracks(recs))
		return nil
	},
}

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Remove records and blobs of uploads that never finished",
	Long:  `Deletes track records that never got a storage prefix, plus any blobs under their prefix, once they are older than --older-than.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cmd.Flags().Changed("older-than") {
			olderThan = cfg.ReapAfter.Duration
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
		defer cancel()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.orch.ReapAbandoned(ctx, olderThan)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "reaped %d records, %d blobs\n", res.Records, res.Blobs)
		for _, f := range res.Failures {
			fmt.Fprintf(cmd.ErrOrStderr(), "  failed: %s\n", f)
		}
		if len(res.Failures) > 0 {
			return fmt.Errorf("%d abandoned uploads could not be removed", len(res.Failures))
		}
		return nil
	},
}

func renderTracks(recs []*model.TrackRecord) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"ID", "Title", "Slug", "Duration", "Peaks", "Storage", "Created"})
	for _, r := range recs {
		prefix := "-"
		if r.Published() {
			prefix = *r.StoragePrefix
		}
		tw.AppendRow(table.Row{
			r.ID,
			r.Title,
			r.TitleSlug,
			(time.Duration(r.AudioDurationSeconds) * time.Second).String(),
			strconv.Itoa(len(r.Waveform)),
			prefix,
			r.CreatedAt.Local().Format(time.DateTime),
		})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
	})
	return tw.Render()
}

func renderObjects(objects []storage.ObjectInfo) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Key", "Size", "Type", "Modified"})
	for _, o := range objects {
		modified := "-"
		if !o.LastModified.IsZero() {
			modified = o.LastModified.Local().Format(time.DateTime)
		}
		tw.AppendRow(table.Row{o.Key, storage.FormatSize(o.Size), o.ContentType, modified})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{{Number: 2, Align: text.AlignRight}})
	return tw.Render()
}

func init() {
	ingestCmd.Flags().StringVar(&ownerID, "owner", "", "owner id")
	ingestCmd.Flags().StringVar(&title, "title", "", "track title (defaults to the file name)")
	ingestCmd.Flags().StringVar(&description, "description", "", "track description")
	ingestCmd.Flags().StringVarP(&filePath, "file", "f", "", "audio file to ingest")
	ingestCmd.MarkFlagRequired("owner")
	ingestCmd.MarkFlagRequired("file")

	for _, c := range []*cobra.Command{deleteCmd, updateCmd} {
		c.Flags().StringVar(&ownerID, "owner", "", "requesting owner id")
		c.Flags().StringVar(&trackID, "track", "", "track id")
		c.MarkFlagRequired("owner")
		c.MarkFlagRequired("track")
	}
	updateCmd.Flags().StringVar(&title, "title", "", "new title")
	updateCmd.Flags().StringVar(&description, "description", "", "new description")

	tracksCmd.Flags().StringVar(&ownerID, "owner", "", "owner id")
	tracksCmd.MarkFlagRequired("owner")

	reapCmd.Flags().DurationVar(&olderThan, "older-than", time.Hour, "minimum age of an unfinished upload (defaults to reap_after)")

	rootCmd.AddCommand(ingestCmd, deleteCmd, updateCmd, tracksCmd, reapCmd)
}
