package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	mingle "github.com/minglehq/mingle-go"
)

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().BoolVar(&chatMingle, "mingle", false, "the room is a mingle, not a conversation")
	chatCmd.Flags().IntVar(&chatHistory, "history", 25, "number of history messages to load")
}

var (
	chatMingle  bool
	chatHistory int
)

var chatCmd = &cobra.Command{
	Use:   "chat <room-id>",
	Short: "Chat in a room from the terminal",
	Long:  "Connect to the realtime backend, join a room, and exchange messages.\nLines typed on stdin are sent as text messages; EOF (Ctrl-D) leaves.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID := args[0]
		client, cfg := getClient()
		log := newLogger()

		kind := mingle.RoomConversation
		if chatMingle {
			kind = mingle.RoomMingle
		}

		conn := client.Realtime(mingle.ConnConfig{Logger: &log})
		conn.OnStateChange(func(old, new mingle.ConnState) {
			fmt.Printf("* connection %s\n", new)
		})

		ctx := context.Background()
		if err := conn.Connect(ctx, cfg.Auth.Token); err != nil {
			return fmt.Errorf("connect failed: %w", err)
		}
		defer conn.Disconnect()

		room := mingle.NewRoomSession(conn, client, roomID, kind, cfg.Auth.UserID, nil)
		defer room.Close()

		room.OnMessage(func(m mingle.Message) {
			switch m.Delivery {
			case mingle.DeliveryFailed:
				fmt.Printf("! failed to send: %s\n", m.Body)
			case mingle.DeliverySent:
				if m.SenderID != cfg.Auth.UserID {
					fmt.Printf("<%s> %s\n", m.SenderID, m.Body)
				}
			}
		})
		room.OnTyping(func(userID string, typing bool) {
			if typing {
				fmt.Printf("* %s is typing...\n", userID)
			}
		})

		if err := room.Join(); err != nil {
			return fmt.Errorf("join failed: %w", err)
		}

		if chatHistory > 0 {
			hctx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err := room.LoadHistory(hctx, &mingle.HistoryOptions{Limit: chatHistory})
			cancel()
			if err != nil {
				log.Warn().Err(err).Msg("history not loaded")
			}
			for _, m := range room.Messages() {
				fmt.Printf("<%s> %s\n", m.SenderID, m.Body)
			}
		}

		fmt.Printf("Joined %s. Type a message and press enter.\n", roomID)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			body := strings.TrimSpace(scanner.Text())
			if body == "" {
				continue
			}
			room.Typing()
			sctx, cancel := context.WithTimeout(ctx, 15*time.Second)
			_, err := room.SendMessage(sctx, body, mingle.KindText)
			cancel()
			if err != nil {
				fmt.Printf("! send failed: %v\n", err)
			}
		}
		return scanner.Err()
	},
}
