package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"citywatch/internal/investigation"

	"github.com/spf13/cobra"
)

var (
	investigateID          string
	investigateOut         string
	investigateNoBrowser   bool
	investigatePrettyPrint bool
)

var investigateCmd = &cobra.Command{
	Use:   "investigate [topic...]",
	Short: "Run one investigation and print its evidence bundle",
	Long: `Runs a full investigation for the given topic: web and news search
through the provider fallback chains, screenshots of the pages found,
and an image search, then prints the finalized evidence bundle as JSON.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runInvestigate,
}

func init() {
	investigateCmd.Flags().StringVar(&investigateID, "id", "", "Investigation id (generated when empty)")
	investigateCmd.Flags().StringVarP(&investigateOut, "out", "o", "", "Write the bundle to a file instead of stdout")
	investigateCmd.Flags().BoolVar(&investigateNoBrowser, "no-browser", false, "Skip screenshot capture")
	investigateCmd.Flags().BoolVar(&investigatePrettyPrint, "pretty", true, "Indent the JSON output")
}

func runInvestigate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	eng, err := buildEngine(ctx, cfg, !investigateNoBrowser)
	if err != nil {
		return err
	}
	defer eng.close()

	bundle, err := eng.runner.Investigate(ctx, investigation.Request{
		ID:    investigateID,
		Topic: strings.Join(args, " "),
	})
	if err != nil {
		return err
	}

	return writeBundle(bundle, investigateOut)
}

func writeBundle(bundle investigation.Bundle, out string) error {
	var raw []byte
	var err error
	if investigatePrettyPrint {
		raw, err = json.MarshalIndent(bundle, "", "  ")
	} else {
		raw, err = json.Marshal(bundle)
	}
	if err != nil {
		return fmt.Errorf("encode bundle: %w", err)
	}

	if out == "" {
		fmt.Println(string(raw))
		return nil
	}
	if err := os.WriteFile(out, raw, 0644); err != nil {
		return fmt.Errorf("write bundle: %w", err)
	}
	fmt.Printf("Bundle written to %s (status: %s)\n", out, bundle.Status)
	return nil
}
