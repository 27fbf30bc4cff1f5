package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/constbot/internal/citation"
	"github.com/zulandar/constbot/internal/config"
	"github.com/zulandar/constbot/internal/passage"
)

func newLookupCmd() *cobra.Command {
	var (
		configPath string
		amendment  bool
	)

	cmd := &cobra.Command{
		Use:   "lookup <citation>",
		Short: "Print a passage",
		Long: `Fetches and prints one passage, the way the bot would send it.
Citations are article:section ("3:2") or an amendment ("AMD 1", or "1" with --amendment).`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLookup(cmd, configPath, amendment, strings.Join(args, " "))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to constbot config file (source settings only)")
	cmd.Flags().BoolVarP(&amendment, "amendment", "a", false, "treat the citation as an amendment number")
	return cmd
}

func runLookup(cmd *cobra.Command, configPath string, amendment bool, text string) error {
	var (
		c   citation.Citation
		err error
	)
	if amendment {
		c, err = citation.ParseAmendment(text)
	} else {
		c, err = citation.Parse(text)
	}
	if errors.Is(err, citation.ErrIncomplete) {
		return fmt.Errorf("lookup: %q names article %d without a section", text, c.Article)
	}
	if err != nil {
		return fmt.Errorf("lookup: %w", err)
	}

	var source config.SourceConfig
	if cmd.Flags().Changed("config") {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		source = cfg.Source
	}

	p, err := newExtractor(source).Extract(context.Background(), c)
	if errors.Is(err, passage.ErrNotFound) {
		return fmt.Errorf("lookup: no passage for %s", c.Title())
	}
	if err != nil {
		return fmt.Errorf("lookup: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), p.Text)
	return nil
}
