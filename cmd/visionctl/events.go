package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/eleven-am/vision-backend/internal/events"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var (
	redisAddr    string
	eventChannel string
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Follow control events published by the backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEvents(cmd.Context())
	},
}

func init() {
	eventsCmd.Flags().StringVar(&redisAddr, "redis", envOr("REDIS_ADDR", "localhost:6379"), "Redis address")
	eventsCmd.Flags().StringVar(&eventChannel, "channel", envOr("CONTROL_CHANNEL", events.DefaultChannel), "Control event channel")
	rootCmd.AddCommand(eventsCmd)
}

func runEvents(ctx context.Context) error {
	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer client.Close()

	ch, err := events.Subscribe(ctx, client, eventChannel)
	if err != nil {
		return err
	}

	for event := range ch {
		data, err := json.Marshal(event)
		if err != nil {
			continue
		}
		fmt.Println(string(data))
	}
	return nil
}
