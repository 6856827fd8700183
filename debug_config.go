package main

import (
	"fmt"
	"log"

	"github.com/EvgeniOk14/currency-rates-service/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("AppEnv: '%s'\n", cfg.AppEnv)
	fmt.Printf("KafkaBrokers: %v\n", cfg.KafkaBrokers)
	fmt.Printf("Topics: %s / %s / %s / %s\n", cfg.TopicRequest, cfg.TopicFetch, cfg.TopicResponse, cfg.TopicDeadLetter)
	fmt.Printf("QueryTimeout: %s\n", cfg.QueryTimeout)
	fmt.Printf("FreshnessWindow: %s\n", cfg.FreshnessWindow)
	fmt.Printf("DedupTTL: %s (retention %d days)\n", cfg.DedupTTL, cfg.DedupRetentionDays)
	fmt.Printf("Pool: core=%d max=%d queue=%d\n", cfg.PoolCoreWorkers, cfg.PoolMaxWorkers, cfg.PoolQueueSize)
	fmt.Printf("ExchangeAPIKey set: %v\n", cfg.ExchangeAPIKey != "")
}
