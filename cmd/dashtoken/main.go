// Command dashtoken mints a bearer token for a dashboard client.
//
//	dashtoken -client reporting -ttl 720h
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"pageinsight/api/config"
	"pageinsight/api/utils"
)

const defaultTTL = 30 * 24 * time.Hour

func main() {
	os.Exit(run())
}

func run() int {
	client := flag.String("client", "", "name of the dashboard client (required)")
	ttl := flag.Duration("ttl", defaultTTL, "token lifetime")
	flag.Parse()

	if *client == "" {
		fmt.Fprintln(os.Stderr, "Usage: dashtoken -client <name> [-ttl 720h]")
		return 1
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if cfg.Auth.JWTSecret == "" {
		fmt.Fprintln(os.Stderr, "JWT_SECRET_KEY is not set")
		return 1
	}

	token, err := utils.GenerateDashboardToken(*client, []byte(cfg.Auth.JWTSecret), *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to sign token: %v\n", err)
		return 1
	}
	fmt.Println(token)
	return 0
}
