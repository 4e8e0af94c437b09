package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/eleven-am/vision-backend/internal/session"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

var pingCount int

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Measure session round-trip latency",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPing(cmd.Context(), pingCount)
	},
}

func init() {
	pingCmd.Flags().IntVarP(&pingCount, "count", "c", 10, "Number of pings")
	rootCmd.AddCommand(pingCmd)
}

func runPing(ctx context.Context, count int) error {
	if count < 1 {
		count = 1
	}

	wsURL, err := sessionURL(serverURL)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", wsURL, err)
	}
	defer conn.Close()

	rtts := make([]float64, 0, count)
	for i := 0; i < count; i++ {
		if ctx.Err() != nil {
			break
		}

		sent := nowMillis()
		if err := conn.WriteJSON(map[string]any{"type": "ping", "timestamp": sent}); err != nil {
			return fmt.Errorf("send ping: %w", err)
		}

		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		if err := awaitPong(conn, sent); err != nil {
			return err
		}

		rtt := nowMillis() - sent
		rtts = append(rtts, rtt)
		fmt.Printf("pong seq=%d time=%.2fms\n", i+1, rtt)
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

	if len(rtts) > 0 {
		mean, std := stat.MeanStdDev(rtts, nil)
		fmt.Printf("\n%d pings: min %.2fms, avg %.2fms, max %.2fms, stddev %.2fms\n",
			len(rtts), floats.Min(rtts), mean, floats.Max(rtts), std)
	}
	return nil
}

func awaitPong(conn *websocket.Conn, sent float64) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read pong: %w", err)
		}

		var msg session.PongMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == session.TypePong && msg.Timestamp != nil && *msg.Timestamp == sent {
			return nil
		}
	}
}
