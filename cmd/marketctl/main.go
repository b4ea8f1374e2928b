package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/briangreenhill/decormarket/cache"
	"github.com/briangreenhill/decormarket/internal/jobs"
)

var (
	redisAddr string
	apiURL    string
	adminKey  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "marketctl",
		Short: "Operate the decormarket API cache and import queue",
	}

	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis", envOr("REDIS_ADDR", "localhost:6379"), "Redis address")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", envOr("API_URL", "http://localhost:8080"), "API base URL")
	rootCmd.PersistentFlags().StringVar(&adminKey, "admin-key", os.Getenv("ADMIN_KEY"), "Admin key for /admin endpoints")

	rootCmd.AddCommand(
		invalidateCmd(),
		importCmd(),
		statsCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func invalidateCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "invalidate [pattern]",
		Short: "Drop cached responses on every API instance",
		Long:  "Publishes an invalidation for keys containing pattern, or for everything with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return errors.New("pattern required (or --all)")
			}

			rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
			defer rdb.Close()
			bus := cache.NewInvalidator(nil, rdb, zerolog.Nop())

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			if all {
				if err := bus.PublishAll(ctx); err != nil {
					return fmt.Errorf("publish: %w", err)
				}
				fmt.Println("Invalidated all cached responses")
				return nil
			}
			if err := bus.PublishPattern(ctx, args[0]); err != nil {
				return fmt.Errorf("publish: %w", err)
			}
			fmt.Printf("Invalidated cached responses matching %q\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Clear every cached response")
	return cmd
}

func importCmd() *cobra.Command {
	var maxRetry int

	cmd := &cobra.Command{
		Use:   "import <vendor-id> <file.yaml>",
		Short: "Queue a bulk product import for a vendor",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			vendorID, path := args[0], args[1]

			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			products, err := loadImportFile(f)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}

			task, err := jobs.NewImportProductsTask(jobs.ImportProductsPayload{VendorID: vendorID, RequestedBy: "marketctl", Products: products})
			if err != nil {
				return err
			}

			client := asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr})
			defer client.Close()

			info, err := client.EnqueueContext(cmd.Context(), task,
				asynq.Queue(jobs.QueueImports),
				asynq.MaxRetry(maxRetry),
				asynq.Timeout(5*time.Minute),
			)
			if err != nil {
				return fmt.Errorf("enqueue: %w", err)
			}

			fmt.Printf("Queued import of %d products for vendor %s\n", len(products), vendorID)
			fmt.Printf("  Task:  %s\n", info.ID)
			fmt.Printf("  Queue: %s\n", info.Queue)
			return nil
		},
	}

	cmd.Flags().IntVar(&maxRetry, "max-retry", 5, "Retries before the task is archived")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache counters of an API instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, apiURL+"/admin/cache", nil)
			if err != nil {
				return err
			}
			req.Header.Set("X-Admin-Key", adminKey)

			client := &http.Client{Timeout: 10 * time.Second}
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("GET /admin/cache: %s", resp.Status)
			}

			var status struct {
				Enabled bool         `json:"enabled"`
				TTL     string       `json:"ttl"`
				Stats   *cache.Stats `json:"stats"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
				return fmt.Errorf("decode: %w", err)
			}
			if !status.Enabled || status.Stats == nil {
				fmt.Println("Cache disabled")
				return nil
			}

			s := status.Stats
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "TTL\t%s\n", status.TTL)
			fmt.Fprintf(w, "ENTRIES\t%d\n", s.Entries)
			fmt.Fprintf(w, "IN FLIGHT\t%d\n", s.InFlight)
			fmt.Fprintf(w, "HITS\t%d\n", s.Hits)
			fmt.Fprintf(w, "MISSES\t%d\n", s.Misses)
			fmt.Fprintf(w, "FETCHES\t%d\n", s.Fetches)
			fmt.Fprintf(w, "SHARED\t%d\n", s.Shared)
			fmt.Fprintf(w, "FAILURES\t%d\n", s.Failures)
			fmt.Fprintf(w, "INVALIDATED\t%d\n", s.Invalidated)
			fmt.Fprintf(w, "SWEPT\t%d\n", s.Swept)
			return w.Flush()
		},
	}
}
