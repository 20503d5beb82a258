package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringSliceVar(&statusUsers, "users", nil, "user ids to check online status for")
}

var statusUsers []string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show unread counts and online status",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		summary, err := client.Presence().UnreadCounts(ctx)
		if err != nil {
			return fmt.Errorf("unread poll failed: %w", err)
		}

		fmt.Printf("Unread: %d\n", summary.Total)
		rooms := make([]string, 0, len(summary.ByRoom))
		for room := range summary.ByRoom {
			rooms = append(rooms, room)
		}
		sort.Strings(rooms)
		for _, room := range rooms {
			fmt.Printf("  %s: %d\n", room, summary.ByRoom[room])
		}

		if len(statusUsers) > 0 {
			states, err := client.Presence().OnlineStatus(ctx, statusUsers)
			if err != nil {
				return fmt.Errorf("status poll failed: %w", err)
			}
			for _, s := range states {
				if s.IsOnline {
					fmt.Printf("%s: online\n", s.UserID)
				} else {
					fmt.Printf("%s: last seen %s\n", s.UserID, s.LastSeenAt.Format(time.RFC822))
				}
			}
		}
		return nil
	},
}
