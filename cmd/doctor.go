package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/parlolabs/parlo/internal/store/pg"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd.Context())
		},
	}
}

func runDoctor(ctx context.Context) error {
	ok := true
	check := func(name string, err error) {
		if err != nil {
			ok = false
			fmt.Printf("✗ %s: %v\n", name, err)
			return
		}
		fmt.Printf("✓ %s\n", name)
	}

	cfg, err := loadConfig()
	check("config", err)
	if err != nil {
		return fmt.Errorf("cannot continue without config")
	}

	if cfg.Database.PostgresDSN == "" {
		check("postgres", fmt.Errorf("PARLO_POSTGRES_DSN is not set"))
	} else {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		pool, err := pg.Open(ctx, cfg.Database.PostgresDSN)
		cancel()
		check("postgres", err)
		if err == nil {
			pool.Close()
		}
	}

	if cfg.LLM.APIKey == "" {
		check("anthropic", fmt.Errorf("PARLO_ANTHROPIC_API_KEY is not set"))
	} else {
		check("anthropic", nil)
	}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(ctx).Err()
		cancel()
		client.Close()
		check("redis", err)
	} else {
		fmt.Println("- redis: not configured (in-process lock)")
	}

	if len(cfg.Kafka.Brokers) > 0 {
		fmt.Printf("- kafka: configured (%v, topic %s)\n", cfg.Kafka.Brokers, cfg.Kafka.Topic)
	} else {
		fmt.Println("- kafka: not configured (log-only events)")
	}

	fmt.Printf("- bridge: %s\n", cfg.WhatsApp.BridgeURL)
	if !ok {
		return fmt.Errorf("doctor found problems")
	}
	return nil
}
