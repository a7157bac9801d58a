package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(roomsCmd)
	roomsCmd.AddCommand(roomsListCmd)
	roomsCmd.AddCommand(roomsCreateCmd)
	roomsCmd.AddCommand(roomsJoinCmd)
	roomsCmd.AddCommand(roomsLeaveCmd)
}

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "Browse and manage chat rooms",
}

var roomsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List chat rooms with unread counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := getIdentity()
		client := getClient()

		rooms, err := client.Rooms.List(context.Background(), userID)
		if err != nil {
			return fmt.Errorf("failed to list rooms: %w", err)
		}
		if len(rooms) == 0 {
			fmt.Println("No chat rooms yet. Create one with 'chatline rooms create <name>'.")
			return nil
		}
		for _, room := range rooms {
			marker := " "
			if room.Joined {
				marker = "*"
			}
			fmt.Printf("%s %6d  %-30s %3d members", marker, room.ID, room.Name, room.MemberCount)
			if room.UnreadCount > 0 {
				fmt.Printf("  (%d unread)", room.UnreadCount)
			}
			fmt.Println()
		}
		return nil
	},
}

var roomsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a chat room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := getIdentity()
		client := getClient()

		room, err := client.Rooms.Create(context.Background(), args[0], userID)
		if err != nil {
			return fmt.Errorf("failed to create room: %w", err)
		}
		fmt.Printf("Created room %q (id %d)\n", room.Name, room.ID)
		return nil
	},
}

var roomsJoinCmd = &cobra.Command{
	Use:   "join <room-id>",
	Short: "Join a chat room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("room id must be an integer: %w", err)
		}
		userID, _ := getIdentity()
		client := getClient()

		if err := client.Rooms.Join(context.Background(), roomID, userID); err != nil {
			return fmt.Errorf("failed to join room: %w", err)
		}
		fmt.Printf("Joined room %d. Start chatting with 'chatline chat %d'.\n", roomID, roomID)
		return nil
	},
}

var roomsLeaveCmd = &cobra.Command{
	Use:   "leave <room-id>",
	Short: "Leave a chat room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("room id must be an integer: %w", err)
		}
		userID, _ := getIdentity()
		client := getClient()

		if err := client.Rooms.Leave(context.Background(), roomID, userID); err != nil {
			return fmt.Errorf("failed to leave room: %w", err)
		}
		fmt.Printf("Left room %d\n", roomID)
		return nil
	},
}
