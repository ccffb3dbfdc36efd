package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"skyportal/api/internal/rbac"
	"skyportal/api/internal/store"
	"skyportal/api/internal/util"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage API users",
	}
	cmd.AddCommand(newUserAddCmd())
	return cmd
}

func newUserAddCmd() *cobra.Command {
	var role string

	cmd := &cobra.Command{
		Use:   "add <username>",
		Short: "Create a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			username := strings.TrimSpace(args[0])
			if username == "" {
				return errors.New("username is required")
			}
			normalized := rbac.Normalize(role)
			if string(normalized) != role {
				return fmt.Errorf("unknown role %q", role)
			}

			cfg, _, err := bootstrap()
			if err != nil {
				return err
			}
			db, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			user := store.User{ID: util.NewID("usr"), Username: username, Role: string(normalized)}
			if err := store.NewPostgresStore(db).CreateUser(cmd.Context(), user); err != nil {
				if errors.Is(err, store.ErrConflict) {
					return fmt.Errorf("username %q is taken", username)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", user.ID, user.Username, user.Role)
			return nil
		},
	}

	cmd.Flags().StringVar(&role, "role", string(rbac.RoleCommenter), "role (viewer|commenter|admin)")

	return cmd
}
