package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"skyportal/api/internal/auth"
	"skyportal/api/internal/store"
)

func newTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a bearer token for an existing user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := bootstrap()
			if err != nil {
				return err
			}
			db, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			user, err := store.NewPostgresStore(db).GetUserByID(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("load user %s: %w", args[0], err)
			}
			token, err := auth.IssueToken([]byte(cfg.JWTSecret), user.ID, user.Username, cfg.TokenTTL)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}
