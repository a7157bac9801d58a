package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	chatline "github.com/chatline/chatline-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <room-id>",
	Short: "Open an interactive chat session in a room",
	Long: "Open a live session in a chat room. Lines you type are sent as messages.\n" +
		"Commands: /search <keyword>, /who, /sticker <name>, /quit",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("room id must be an integer: %w", err)
		}
		userID, nickname := getIdentity()
		client := getClient()
		ctx := context.Background()

		room, err := client.OpenRoom(ctx, roomID, userID, &chatline.RoomConfig{Nickname: nickname})
		if err != nil {
			return fmt.Errorf("failed to open room: %w", err)
		}
		defer room.Close()

		if err := room.NotifyJoined(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "join announcement failed: %v\n", err)
		}

		var printMu sync.Mutex
		printed := 0
		printNew := func() {
			printMu.Lock()
			defer printMu.Unlock()
			msgs := room.Messages()
			for ; printed < len(msgs); printed++ {
				printMessage(&msgs[printed], userID)
			}
		}
		printNew()
		room.OnUpdate(printNew)

		fmt.Printf("-- connected to room %d as %s, /quit to leave --\n", roomID, nickname)

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			// Typing counts as activity; keep the presence session warm.
			room.Presence().Touch(ctx)

			switch {
			case line == "/quit":
				return nil
			case line == "/who":
				for _, member := range room.Members() {
					state := "away"
					if member.Active {
						state = "online"
					}
					fmt.Printf("  %-20s %s\n", member.Nickname, state)
				}
			case strings.HasPrefix(line, "/search "):
				runSearch(room, strings.TrimPrefix(line, "/search "))
			case strings.HasPrefix(line, "/sticker "):
				if _, err := room.SendSticker(ctx, strings.TrimPrefix(line, "/sticker ")); err != nil {
					printSendError(err)
				}
			default:
				if _, err := room.SendText(ctx, line); err != nil {
					printSendError(err)
				}
			}
		}
		return scanner.Err()
	},
}

func printMessage(m *chatline.Message, selfID int64) {
	stamp := m.SentAt.Local().Format("15:04")
	if m.System() {
		fmt.Printf("%s -- %s --\n", stamp, m.Content)
		return
	}
	name := m.SenderNickname
	if m.SenderID != nil && *m.SenderID == selfID {
		name = "you"
	}
	if m.Provisional() {
		fmt.Printf("%s %s: %s (sending...)\n", stamp, name, m.Content)
		return
	}
	suffix := ""
	if m.UnreadCount > 0 {
		suffix = fmt.Sprintf("  [%d unread]", m.UnreadCount)
	}
	fmt.Printf("%s %s: %s%s\n", stamp, name, m.Content, suffix)
}

func runSearch(room *chatline.RoomSession, keyword string) {
	ids := room.Search(chatline.SearchQuery{Keyword: keyword})
	if len(ids) == 0 {
		fmt.Printf("no messages matching %q\n", keyword)
		return
	}
	matched := make(map[int64]bool, len(ids))
	for _, id := range ids {
		matched[id] = true
	}
	for _, m := range room.Messages() {
		if matched[m.ID] {
			fmt.Printf("  %s %s: %s\n", m.SentAt.Local().Format("01-02 15:04"), m.SenderNickname, m.Content)
		}
	}
}

func printSendError(err error) {
	if errors.Is(err, chatline.ErrNotConnected) {
		fmt.Fprintln(os.Stderr, "not connected; message discarded, try again")
		return
	}
	fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
}
