package cmd

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mailtm-drain/archive"
	"github.com/dhcgn/mailtm-drain/filter"
	"github.com/dhcgn/mailtm-drain/model"
	"github.com/dhcgn/mailtm-drain/stats"
)

var trackedFields = []string{"From", "To", "Subject"}

// NewArchiveStatsCmd analyses a messages.json archive.
func NewArchiveStatsCmd() *cobra.Command {
	var (
		archivePath string
		reportDir   string
		topN        int
		filterOpts  filter.Options
	)

	cmd := &cobra.Command{
		Use:   "archive-stats",
		Short: "Analyse the local archive and show top senders, recipients and subjects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			f, err := filter.New(filterOpts)
			if err != nil {
				return fmt.Errorf("create filter: %w", err)
			}

			msgs, err := loadArchive(archivePath, cmd.ErrOrStderr())
			if err != nil {
				return fmt.Errorf("error reading archive: %w", err)
			}
			fmt.Fprintln(out, "Analyzing archive:", archivePath)

			counter := make(map[string]map[string]int)
			for _, field := range trackedFields {
				counter[field] = make(map[string]int)
			}

			messageCount := 0
			skippedCount := 0
			for _, msg := range msgs {
				if !f.AllowsMessage(msg) {
					skippedCount++
					continue
				}
				messageCount++
				countMessage(counter, msg)
			}

			totalMessages := messageCount + skippedCount
			var filterPercent float64
			if totalMessages > 0 {
				filterPercent = float64(skippedCount) / float64(totalMessages) * 100
			}
			fmt.Fprintf(out, "Processed %d messages (skipped %d by filters, %.2f%%)...\n\n", messageCount, skippedCount, filterPercent)

			if f.Active() {
				printFilterStats(out, f.GetStats())
			}

			for _, field := range trackedFields {
				fmt.Fprintf(out, "Top %d %s:\n", topN, field)
				stats.FprintTop(out, counter[field], topN)
				fmt.Fprintln(out)
			}

			if reportDir == "" {
				return nil
			}
			if err := saveCSVReports(counter, trackedFields, reportDir, 1000); err != nil {
				return fmt.Errorf("error saving CSV reports: %w", err)
			}
			fmt.Fprintf(out, "Reports saved to directory: %s\n", reportDir)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&archivePath, "archive", "a", archive.DefaultPath, "Archive file written by the drain")
	flags.StringVarP(&reportDir, "output", "o", ".", "Output directory for CSV reports (empty disables them)")
	flags.IntVarP(&topN, "top", "t", 10, "Number of top items to display in statistics")
	registerFilterFlags(flags, &filterOpts)

	return cmd
}

func countMessage(counter map[string]map[string]int, msg model.Message) {
	if from := filter.FormatAddress(msg.From); from != "" {
		counter["From"][from]++
	}
	for _, to := range msg.To {
		if value := filter.FormatAddress(to); value != "" {
			counter["To"][value]++
		}
	}
	if msg.Subject != "" {
		counter["Subject"][msg.Subject]++
	}
}

func saveCSVReports(counter map[string]map[string]int, fields []string, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, field := range fields {
		filePath := filepath.Join(dir, fmt.Sprintf("report_%s.csv", normalizeFieldName(field)))
		if err := writeCSVReport(filePath, stats.TopN(counter[field], limit)); err != nil {
			return fmt.Errorf("write %s: %w", filePath, err)
		}
	}

	return nil
}

func writeCSVReport(path string, pairs []stats.Pair) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"Value", "Count"}); err != nil {
		return err
	}
	for _, p := range pairs {
		if err := writer.Write([]string{p.Key, strconv.Itoa(p.Value)}); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

func normalizeFieldName(field string) string {
	name := strings.ToLower(field)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}

func printFilterStats(out io.Writer, fs filter.Stats) {
	sections := []struct {
		title    string
		patterns []string
		hits     map[string]int
	}{
		{"Include Header Filters", fs.IncludeHeaderPatterns, fs.IncludeHeaderHits},
		{"Include Body Filters", fs.IncludeBodyPatterns, fs.IncludeBodyHits},
		{"Exclude Header Filters", fs.ExcludeHeaderPatterns, fs.ExcludeHeaderHits},
		{"Exclude Body Filters", fs.ExcludeBodyPatterns, fs.ExcludeBodyHits},
	}

	for _, s := range sections {
		if len(s.patterns) == 0 {
			continue
		}
		fmt.Fprintln(out, s.title+":")
		printFilterHits(out, s.patterns, s.hits)
		fmt.Fprintln(out)
	}
	fmt.Fprintln(out, "---")
	fmt.Fprintln(out)
}

func printFilterHits(out io.Writer, patterns []string, hits map[string]int) {
	sorted := append([]string(nil), patterns...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if hits[sorted[i]] != hits[sorted[j]] {
			return hits[sorted[i]] > hits[sorted[j]]
		}
		return sorted[i] < sorted[j]
	})

	for _, pattern := range sorted {
		if count := hits[pattern]; count > 0 {
			fmt.Fprintf(out, "  ✓ %s: %d hits\n", pattern, count)
		} else {
			fmt.Fprintf(out, "  ✗ %s: 0 hits\n", pattern)
		}
	}
}
