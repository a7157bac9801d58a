package main

import (
	"fmt"
	"os"

	chatline "github.com/chatline/chatline-go"
)

// getClient creates a chatline client from the stored configuration.
func getClient() *chatline.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return getClientFrom(cfg)
}

// getClientFrom creates a chatline client from an already-loaded config.
func getClientFrom(cfg *Config) *chatline.Client {
	return chatline.NewClient(cfg.Default.BaseURL)
}

// getIdentity returns the registered user id and nickname, exiting when the
// CLI has not been initialized yet.
func getIdentity() (int64, string) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.User.UserID == 0 {
		fmt.Fprintln(os.Stderr, "No registered identity. Run 'chatline init <nickname>' first.")
		os.Exit(1)
	}
	return cfg.User.UserID, cfg.User.Nickname
}
