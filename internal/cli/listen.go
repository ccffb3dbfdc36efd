package cli

import (
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"skyportal/api/internal/push"
)

func newListenCmd() *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print live push events as they are published",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := bootstrap()
			if err != nil {
				return err
			}
			if strings.TrimSpace(cfg.RedisURL) == "" {
				return errors.New("REDIS_URL is not set")
			}
			publisher, err := push.NewRedisPublisher(cfg.RedisURL, cfg.PushChannelPrefix)
			if err != nil {
				return err
			}
			defer publisher.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			channels := []string{publisher.BroadcastChannel()}
			if userID != "" {
				channels = append(channels, publisher.UserChannel(userID))
			}
			sub, err := publisher.Subscribe(ctx, channels...)
			if err != nil {
				return err
			}
			defer sub.Close()

			for {
				channel, msg, err := sub.Next(ctx)
				if ctx.Err() != nil {
					return nil
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", channel, msg.ActionType, msg.Payload)
			}
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "also follow the personal channel of this user id")

	return cmd
}
