package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mediaresolver"
)

var flagJSON bool

var resolveCmd = &cobra.Command{
	Use:   "resolve <url>...",
	Short: "Resolve page URLs to their playable media",
	Args:  cobra.MinimumNArgs(1),
	RunE:  resolveRun,
}

func init() {
	resolveCmd.Flags().BoolVar(&flagJSON, "json", false, "Output results as JSON, one object per line")
}

type resolveOutput struct {
	PageURL  string `json:"page_url"`
	MediaURL string `json:"media_url,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Title    string `json:"title,omitempty"`
	Strategy string `json:"strategy,omitempty"`
	Error    string `json:"error,omitempty"`
}

func resolveRun(cmd *cobra.Command, args []string) error {
	dsn, err := effectiveHistoryDSN()
	if err != nil {
		return err
	}
	resolver, cleanup, err := buildResolver(dsn)
	if err != nil {
		return err
	}
	defer cleanup()

	enc := json.NewEncoder(os.Stdout)
	var failed int
	for _, arg := range args {
		result, err := resolver.Resolve(cmd.Context(), arg)
		if err != nil {
			failed++
			logger.Error().Err(err).Str("url", arg).Msg("resolution failed")
		}
		if flagJSON {
			out := resolveOutput{
				PageURL:  result.PageURL,
				MediaURL: result.MediaURL,
				MimeType: result.MimeType,
				Kind:     string(result.Kind),
				Title:    result.Title,
				Strategy: result.Strategy,
			}
			if err != nil {
				out.Error = err.Error()
			}
			if encErr := enc.Encode(out); encErr != nil {
				return encErr
			}
		} else if err == nil {
			printResult(result)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d resolutions failed", failed, len(args))
	}
	return nil
}

func printResult(result mediaresolver.Result) {
	fmt.Printf("page:     %s\n", result.PageURL)
	fmt.Printf("media:    %s\n", result.MediaURL)
	fmt.Printf("type:     %s (%s)\n", result.MimeType, result.Kind)
	if result.Title != "" {
		fmt.Printf("title:    %s\n", result.Title)
	}
	fmt.Printf("strategy: %s\n", result.Strategy)
}
