package main

import (
	"fmt"

	"github.com/KevinKickass/OpenWCS/internal/equipment"
	"github.com/KevinKickass/OpenWCS/internal/storage"
	"github.com/KevinKickass/OpenWCS/internal/tags"
	"github.com/KevinKickass/OpenWCS/internal/types"
	"github.com/spf13/cobra"
)

var tagsCmd = &cobra.Command{
	Use:   "tags",
	Short: "Validate and import field tag files",
}

var tagsValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Check a tag file without touching the database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := loadTagFile(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d tags ok\n", args[0], len(loaded))
		return nil
	},
}

var tagsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Validate a tag file and upsert it into the database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := loadTagFile(args[0])
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		db, err := storage.NewPostgresClient(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer db.Close()

		if err := db.UpsertFieldTags(ctx, loaded); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %d tags\n", len(loaded))
		return nil
	},
}

func init() {
	tagsCmd.AddCommand(tagsValidateCmd, tagsImportCmd)
	rootCmd.AddCommand(tagsCmd)
}

// loadTagFile runs the same checks as startup: schema, structure, property
// names.
func loadTagFile(path string) ([]types.FieldTag, error) {
	v, err := tags.NewValidator()
	if err != nil {
		return nil, err
	}
	loaded, err := v.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := equipment.ValidateTags(loaded); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return loaded, nil
}
