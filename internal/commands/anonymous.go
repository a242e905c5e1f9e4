package commands

import (
	"context"
	"fmt"

	"boltalka/internal/config"
	"boltalka/internal/content"
	"boltalka/internal/directory"
	"boltalka/internal/storage"
)

// CreateAnonymous registers a new anonymous directory user and stores it as
// the local profile.
func CreateAnonymous(ctx context.Context, displayName string, cfg *config.Config) error {
	if err := content.ValidateDisplayName(displayName); err != nil {
		return err
	}

	client := directory.NewClient(ctx, cfg.APIBase)
	user, err := client.CreateAnonymous(ctx, displayName, cfg.DisplayColor)
	if err != nil {
		return fmt.Errorf("failed to create anonymous user: %w. Is the server reachable?", err)
	}

	store, err := storage.NewBboltStore(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if err := store.SaveProfile(user); err != nil {
		return fmt.Errorf("failed to store profile: %w", err)
	}

	fmt.Printf("\nAnonymous Profile Created!\n")
	fmt.Printf("Display Name:      %s\n", user.DisplayName)
	fmt.Printf("Color:             %s\n\n", user.Color)
	fmt.Println("Run without -anonymous to start chatting.")
	return nil
}
