package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().String("base-url", "", "chat server base URL")
}

var initCmd = &cobra.Command{
	Use:   "init <nickname>",
	Short: "Register a chat identity and store it in ~/.chatline/config.toml",
	Long:  "Initialize the chatline CLI by registering a nickname with the chat server\nand storing the returned identity in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		nickname := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if baseURL, _ := cmd.Flags().GetString("base-url"); baseURL != "" {
			cfg.Default.BaseURL = baseURL
		}

		client := getClientFrom(cfg)
		ctx := context.Background()

		available, err := client.Users.CheckNickname(ctx, nickname)
		if err != nil {
			return fmt.Errorf("failed to check nickname: %w", err)
		}

		var userID int64
		if available {
			user, err := client.Users.Create(ctx, nickname)
			if err != nil {
				return fmt.Errorf("failed to register user: %w", err)
			}
			userID = user.ID
			fmt.Printf("Registered %s (user id %d)\n", user.Nickname, user.ID)
		} else {
			// Nickname taken: resume the existing identity instead of failing.
			user, err := client.Users.GetByNickname(ctx, nickname)
			if err != nil {
				return fmt.Errorf("nickname %q is taken and could not be resumed: %w", nickname, err)
			}
			userID = user.ID
			fmt.Printf("Resumed existing identity %s (user id %d)\n", user.Nickname, user.ID)
		}

		cfg.User.UserID = userID
		cfg.User.Nickname = nickname
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Identity saved to %s\n", path)
		return nil
	},
}
