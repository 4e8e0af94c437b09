package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/eleven-am/vision-backend/internal/session"
	"github.com/eleven-am/vision-backend/internal/vision"
	"github.com/gorilla/websocket"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/stat"
)

type streamOptions struct {
	Objects   bool
	Pose      bool
	Repeat    int
	Interval  time.Duration
	Synthetic int
	JSON      bool
	Drain     time.Duration
}

var streamOpts streamOptions

var streamCmd = &cobra.Command{
	Use:   "stream [image or directory...]",
	Short: "Stream images to a vision session and report detections",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && streamOpts.Synthetic <= 0 {
			return errors.New("give at least one image path or --synthetic N")
		}
		return runStream(cmd.Context(), streamOpts, args)
	},
}

func init() {
	streamCmd.Flags().BoolVar(&streamOpts.Objects, "objects", false, "Enable object detection for the session")
	streamCmd.Flags().BoolVar(&streamOpts.Pose, "pose", false, "Enable pose estimation for the session")
	streamCmd.Flags().IntVarP(&streamOpts.Repeat, "repeat", "r", 1, "Send the image set this many times")
	streamCmd.Flags().DurationVarP(&streamOpts.Interval, "interval", "i", 66*time.Millisecond, "Delay between frames")
	streamCmd.Flags().IntVar(&streamOpts.Synthetic, "synthetic", 0, "Generate this many synthetic frames instead of reading files")
	streamCmd.Flags().BoolVar(&streamOpts.JSON, "json", false, "Print every detection as a JSON line on stdout")
	streamCmd.Flags().DurationVar(&streamOpts.Drain, "drain", 10*time.Second, "How long to wait for outstanding detections")
	rootCmd.AddCommand(streamCmd)
}

type streamReport struct {
	Detections int
	Hands      int
	Objects    int
	Poses      int
	Boosts     int
	Latencies  []float64
}

func runStream(ctx context.Context, opts streamOptions, paths []string) error {
	payloads, err := loadFrames(paths, opts.Synthetic)
	if err != nil {
		return err
	}
	if len(payloads) == 0 {
		return errors.New("no decodable images found")
	}
	if opts.Repeat < 1 {
		opts.Repeat = 1
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

	if opts.Objects || opts.Pose {
		update := map[string]any{"detectObjects": opts.Objects, "detectPose": opts.Pose}
		if err := conn.WriteJSON(map[string]any{"type": "config", "config": update}); err != nil {
			return fmt.Errorf("send config: %w", err)
		}
	}

	total := len(payloads) * opts.Repeat
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("Streaming"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	reportCh := make(chan streamReport, 1)
	readErr := make(chan error, 1)
	go func() {
		report, err := readDetections(conn, total, opts.JSON, func() { _ = bar.Add(1) })
		reportCh <- report
		readErr <- err
	}()

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

send:
	for i := 0; i < opts.Repeat; i++ {
		for _, data := range payloads {
			msg := map[string]any{
				"type":      "frame",
				"data":      data,
				"timestamp": nowMillis(),
			}
			if err := conn.WriteJSON(msg); err != nil {
				return fmt.Errorf("send frame: %w", err)
			}

			select {
			case <-ctx.Done():
				break send
			case <-ticker.C:
			}
		}
	}

	var report streamReport
	select {
	case report = <-reportCh:
		if err := <-readErr; err != nil {
			fmt.Fprintf(os.Stderr, "\nsession ended early: %v\n", err)
		}
	case <-time.After(opts.Drain):
		fmt.Fprintln(os.Stderr, "\ntimed out waiting for detections")
		_ = conn.Close()
		report = <-reportCh
	case <-ctx.Done():
		_ = conn.Close()
		report = <-reportCh
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

	printStreamReport(report, total)
	return nil
}

func readDetections(conn *websocket.Conn, want int, jsonOut bool, progress func()) (streamReport, error) {
	var report streamReport
	for report.Detections < want {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return report, err
		}

		var env struct {
			Type session.MessageType `json:"type"`
		}
		if err := json.Unmarshal(data, &env); err != nil || env.Type != session.TypeDetection {
			continue
		}

		var msg session.DetectionMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			fmt.Fprintf(os.Stderr, "\nundecodable detection: %v\n", err)
			continue
		}
		if jsonOut {
			fmt.Println(string(data))
		}

		report.Detections++
		report.Hands += len(msg.Hands)
		report.Objects += len(msg.Objects)
		if msg.Pose != nil {
			report.Poses++
		}
		if msg.Control != nil && msg.Control.Action == vision.ActionBoost {
			report.Boosts++
		}
		if msg.Timestamp != nil {
			report.Latencies = append(report.Latencies, nowMillis()-*msg.Timestamp)
		}
		progress()
	}
	return report, nil
}

func printStreamReport(r streamReport, sent int) {
	fmt.Fprintf(os.Stderr, "\nframes sent:    %d\n", sent)
	fmt.Fprintf(os.Stderr, "detections:     %d\n", r.Detections)
	fmt.Fprintf(os.Stderr, "hands:          %d\n", r.Hands)
	fmt.Fprintf(os.Stderr, "objects:        %d\n", r.Objects)
	fmt.Fprintf(os.Stderr, "poses:          %d\n", r.Poses)
	fmt.Fprintf(os.Stderr, "boost frames:   %d\n", r.Boosts)
	if len(r.Latencies) > 0 {
		mean, std := stat.MeanStdDev(r.Latencies, nil)
		fmt.Fprintf(os.Stderr, "latency:        %.1fms avg, %.1fms stddev\n", mean, std)
	}
}

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".webp": true, ".bmp": true, ".tif": true, ".tiff": true,
}

// loadFrames reads every image under paths, checks that it decodes and
// returns the base64 payloads. When synthetic > 0 generated frames are
// returned instead.
func loadFrames(paths []string, synthetic int) ([]string, error) {
	if synthetic > 0 {
		return syntheticFrames(synthetic)
	}

	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() && imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
				files = append(files, filepath.Join(p, e.Name()))
			}
		}
	}

	payloads := make([]string, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}
		if _, err := vision.Decode(data); err != nil {
			fmt.Fprintf(os.Stderr, "skipping %s: %v\n", f, err)
			continue
		}
		payloads = append(payloads, base64.StdEncoding.EncodeToString(data))
	}
	return payloads, nil
}

func syntheticFrames(n int) ([]string, error) {
	const w, h = 64, 48
	payloads := make([]string, 0, n)
	for i := 0; i < n; i++ {
		frame := &vision.Frame{Width: w, Height: h, Pix: make([]byte, w*h*3)}
		shift := byte(i * 255 / n)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				o := y*frame.Stride() + x*3
				frame.Pix[o] = byte(x*255/w) + shift
				frame.Pix[o+1] = byte(y * 255 / h)
				frame.Pix[o+2] = shift
			}
		}
		data, err := vision.Encode(frame)
		if err != nil {
			return nil, err
		}
		payloads = append(payloads, base64.StdEncoding.EncodeToString(data))
	}
	return payloads, nil
}

func nowMillis() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Millisecond)
}
