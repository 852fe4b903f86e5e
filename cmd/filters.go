package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/pflag"

	"github.com/dhcgn/mailtm-drain/archive"
	"github.com/dhcgn/mailtm-drain/filter"
	"github.com/dhcgn/mailtm-drain/model"
)

func registerFilterFlags(flags *pflag.FlagSet, opts *filter.Options) {
	flags.StringArrayVar(&opts.IncludeHeader, "include-header", nil, "Regex allow-list applied to From/To/Subject (mutually exclusive with exclude flags)")
	flags.StringArrayVar(&opts.IncludeBody, "include-body", nil, "Regex allow-list applied to the message intro (mutually exclusive with exclude flags)")
	flags.StringArrayVar(&opts.ExcludeHeader, "exclude-header", nil, "Regex block-list applied to From/To/Subject (mutually exclusive with include flags)")
	flags.StringArrayVar(&opts.ExcludeBody, "exclude-body", nil, "Regex block-list applied to the message intro (mutually exclusive with include flags)")
}

// loadArchive reads the archive, reporting undecodable records on warn
// instead of failing the whole command.
func loadArchive(path string, warn io.Writer) ([]model.Message, error) {
	msgs, err := archive.ReadMessages(path)
	if err != nil {
		if len(msgs) == 0 {
			return nil, err
		}
		fmt.Fprintf(warn, "warning: skipped unreadable records: %v\n", err)
	}
	return msgs, nil
}
