package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Show daily quota usage per metered provider",
	RunE:  runQuota,
}

func runQuota(cmd *cobra.Command, args []string) error {
	tracker, err := buildTracker(cfg)
	if err != nil {
		return err
	}

	snapshot := tracker.Snapshot()
	if len(snapshot) == 0 {
		fmt.Println("No metered providers consumed quota today.")
		return nil
	}

	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Printf("%-40s %8s %8s %10s\n", "POOL", "USED", "LIMIT", "REMAINING")
	for _, k := range keys {
		st := snapshot[k]
		fmt.Printf("%-40s %8d %8d %10d\n", k, st.UsedCount, st.DailyLimit, st.DailyLimit-st.UsedCount)
	}
	return nil
}
