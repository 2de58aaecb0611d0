package cmd

import (
	"encoding/csv"
	"fmt"
	"net/mail"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-to-mbox/eml"
	"github.com/dhcgn/imap-to-mbox/filter"
	"github.com/dhcgn/imap-to-mbox/mbox"
	"github.com/dhcgn/imap-to-mbox/stats"
)

var headersToTrack = []string{"From", "To", "Subject", "Delivered-To"}

type statsOptions struct {
	reportDir     string
	topN          int
	includeHeader []string
	excludeHeader []string
}

// NewMboxStatsCmd returns the subcommand that analyses an assembled archive.
func NewMboxStatsCmd() *cobra.Command {
	opts := &statsOptions{}
	cmd := &cobra.Command{
		Use:   "mbox-stats [mbox file]",
		Short: "Analyse an mbox file and show statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMboxStats(cmd, args[0], opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.reportDir, "output", "o", ".", "Output directory for CSV reports")
	flags.IntVarP(&opts.topN, "top", "t", 10, "Number of top items to display in statistics")
	flags.StringArrayVar(&opts.includeHeader, "include-header", nil, "Regex allow-list applied to message headers")
	flags.StringArrayVar(&opts.excludeHeader, "exclude-header", nil, "Regex block-list applied to message headers")
	return cmd
}

type report struct {
	messages int
	skipped  int
	counter  map[string]map[string]int
}

func runMboxStats(cmd *cobra.Command, path string, opts *statsOptions) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Analyzing mbox file:", path)

	f, err := filter.New(filter.Options{Include: opts.includeHeader, Exclude: opts.excludeHeader})
	if err != nil {
		return fmt.Errorf("create filter: %w", err)
	}

	rep, err := analyse(path, f)
	if err != nil {
		return err
	}

	total := rep.messages + rep.skipped
	var filterPercent float64
	if total > 0 {
		filterPercent = float64(rep.skipped) / float64(total) * 100
	}
	fmt.Fprintf(out, "Processed %d messages (skipped %d by filters, %.2f%%)\n\n", rep.messages, rep.skipped, filterPercent)

	if f.Active() {
		st := f.Stats()
		if len(st.IncludePatterns) > 0 {
			fmt.Fprintln(out, "Include Header Filters:")
			printFilterHits(cmd, st.IncludePatterns, st.Hits)
			fmt.Fprintln(out)
		}
		if len(st.ExcludePatterns) > 0 {
			fmt.Fprintln(out, "Exclude Header Filters:")
			printFilterHits(cmd, st.ExcludePatterns, st.Hits)
			fmt.Fprintln(out)
		}
		fmt.Fprintln(out, "---")
		fmt.Fprintln(out)
	}

	for _, header := range headersToTrack {
		fmt.Fprintf(out, "Top %d %s:\n", opts.topN, header)
		stats.PrettyPrintTop(out, rep.counter[header], opts.topN)
		fmt.Fprintln(out)
	}

	if err := saveCSVReports(rep.counter, headersToTrack, opts.reportDir, 1000); err != nil {
		return fmt.Errorf("error saving CSV reports: %w", err)
	}

	fmt.Fprintf(out, "Reports saved to directory: %s\n", opts.reportDir)
	return nil
}

func analyse(path string, f *filter.Filter) (report, error) {
	rep := report{counter: make(map[string]map[string]int)}
	for _, h := range headersToTrack {
		rep.counter[h] = make(map[string]int)
	}

	err := mbox.Read(path, func(m *mbox.Message) error {
		if f.Active() && !f.Allows(formatHeaders(m.Headers)) {
			rep.skipped++
			return nil
		}

		rep.messages++
		for _, name := range headersToTrack {
			if value := m.Headers.Get(name); value != "" {
				rep.counter[name][eml.DecodeText(value)]++
			}
		}
		return nil
	})
	if err != nil {
		return report{}, fmt.Errorf("error reading mbox file: %w", err)
	}
	return rep, nil
}

func saveCSVReports(counter map[string]map[string]int, headers []string, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, header := range headers {
		filePath := filepath.Join(dir, fmt.Sprintf("report_%s.csv", normalizeHeaderName(header)))
		if err := writeCSV(filePath, stats.Top(counter[header], limit)); err != nil {
			return err
		}
	}
	return nil
}

func writeCSV(path string, pairs []stats.Pair) error {
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

func normalizeHeaderName(header string) string {
	name := strings.ToLower(header)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}

// formatHeaders renders headers in a stable order so patterns can anchor on
// line starts.
func formatHeaders(headers mail.Header) string {
	keys := make([]string, 0, len(headers))
	for key := range headers {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, key := range keys {
		for _, value := range headers[key] {
			sb.WriteString(key)
			sb.WriteString(": ")
			sb.WriteString(value)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func printFilterHits(cmd *cobra.Command, patterns []string, hits map[string]int) {
	sorted := append([]string(nil), patterns...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if hits[sorted[i]] != hits[sorted[j]] {
			return hits[sorted[i]] > hits[sorted[j]]
		}
		return sorted[i] < sorted[j]
	})

	for _, pattern := range sorted {
		if count := hits[pattern]; count > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "  ✓ %s: %d hits\n", pattern, count)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "  ✗ %s: 0 hits\n", pattern)
		}
	}
}
