package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show unread message counts across all rooms",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, nickname := getIdentity()
		client := getClient()

		counts, err := client.ReadStatus.AllUnreadCounts(context.Background(), userID)
		if err != nil {
			return fmt.Errorf("failed to fetch unread counts: %w", err)
		}

		fmt.Printf("Signed in as %s (user id %d)\n", nickname, userID)
		if len(counts) == 0 {
			fmt.Println("All caught up.")
			return nil
		}

		roomIDs := make([]int64, 0, len(counts))
		for id := range counts {
			roomIDs = append(roomIDs, id)
		}
		sort.Slice(roomIDs, func(i, j int) bool { return roomIDs[i] < roomIDs[j] })

		total := 0
		for _, id := range roomIDs {
			fmt.Printf("  room %-6d %d unread\n", id, counts[id])
			total += counts[id]
		}
		fmt.Printf("Total: %d unread\n", total)
		return nil
	},
}
