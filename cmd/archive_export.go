package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mailtm-drain/archive"
	"github.com/dhcgn/mailtm-drain/filter"
	"github.com/dhcgn/mailtm-drain/model"
)

// NewArchiveExportCmd converts the archive into an mbox file.
func NewArchiveExportCmd() *cobra.Command {
	var (
		archivePath string
		outPath     string
		filterOpts  filter.Options
	)

	cmd := &cobra.Command{
		Use:   "archive-export",
		Short: "Export archived messages to an mbox file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := filter.New(filterOpts)
			if err != nil {
				return fmt.Errorf("create filter: %w", err)
			}

			msgs, err := loadArchive(archivePath, cmd.ErrOrStderr())
			if err != nil {
				return fmt.Errorf("error reading archive: %w", err)
			}

			selected := make([]model.Message, 0, len(msgs))
			for _, msg := range msgs {
				if f.AllowsMessage(msg) {
					selected = append(selected, msg)
				}
			}

			if dir := filepath.Dir(outPath); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("create output directory: %w", err)
				}
			}
			file, err := os.Create(outPath)
			if err != nil {
				return fmt.Errorf("create mbox: %w", err)
			}
			defer file.Close()

			written, err := archive.ExportMbox(file, selected)
			if err != nil {
				return err
			}
			if err := file.Close(); err != nil {
				return fmt.Errorf("close mbox: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d of %d messages to %s\n", written, len(msgs), outPath)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&archivePath, "archive", "a", archive.DefaultPath, "Archive file written by the drain")
	flags.StringVarP(&outPath, "out", "o", "messages.mbox", "Destination mbox file (overwritten)")
	registerFilterFlags(flags, &filterOpts)

	return cmd
}
