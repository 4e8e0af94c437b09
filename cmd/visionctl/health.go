package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/eleven-am/vision-backend/internal/health"
	"github.com/eleven-am/vision-backend/internal/models"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var grpcAddr string

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show backend readiness over HTTP, or over gRPC with --grpc",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		if grpcAddr != "" {
			return runGRPCHealth(ctx, grpcAddr)
		}
		return runHTTPHealth(ctx)
	},
}

func init() {
	healthCmd.Flags().StringVar(&grpcAddr, "grpc", "", "Query the gRPC health service at this address instead")
	rootCmd.AddCommand(healthCmd)
}

func runHTTPHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serverURL+"/health/ready", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request readiness: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var out bytes.Buffer
	if err := json.Indent(&out, body, "", "  "); err != nil {
		out.Reset()
		out.Write(body)
	}
	fmt.Println(out.String())

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("backend not ready (%s)", resp.Status)
	}
	return nil
}

func runGRPCHealth(ctx context.Context, addr string) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	services := []string{""}
	for _, kind := range models.Kinds {
		services = append(services, health.ServiceName(kind))
	}

	serving := true
	for _, svc := range services {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: svc})
		name := svc
		if name == "" {
			name = "(overall)"
		}
		if err != nil {
			fmt.Fprintf(os.Stdout, "%-16s error: %v\n", name, err)
			serving = false
			continue
		}
		fmt.Fprintf(os.Stdout, "%-16s %s\n", name, resp.Status)
		if svc == "" && resp.Status != healthpb.HealthCheckResponse_SERVING {
			serving = false
		}
	}

	if !serving {
		return fmt.Errorf("backend not serving")
	}
	return nil
}
