/**
 * @description
 * Supervisor script for the cashflow-service desk. It clears stuck locks and
 * runs the lock sweep or balance audit on demand through the internal API.
 *
 * Usage:
 *   go run ./cmd/deskctl sweep
 *   go run ./cmd/deskctl audit
 *   go run ./cmd/deskctl release <deposit|withdrawal> <request-id> <department>
 *
 * @dependencies
 * - Environment variables: CASHFLOW_SERVICE_URL, INTERNAL_API_KEY
 */

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/transfa/cashflow-service/pkg/deskclient"
)

func usage() {
	fmt.Println("Usage: deskctl <sweep|audit|release> [args]")
	fmt.Println("  deskctl release withdrawal 5f0c3c1e-7d1b-4a51-9c55-6a3f0f8e2b10 finance")
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	for _, path := range []string{"../.env", ".env"} {
		_ = godotenv.Load(path)
	}

	baseURL := os.Getenv("CASHFLOW_SERVICE_URL")
	apiKey := os.Getenv("INTERNAL_API_KEY")
	if apiKey == "" {
		log.Fatal("INTERNAL_API_KEY environment variable is required")
	}
	if baseURL == "" {
		baseURL = "http://localhost:8080"
		fmt.Println("Using default service URL:", baseURL)
	}

	client := deskclient.NewClient(baseURL, apiKey)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch os.Args[1] {
	case "sweep":
		result, err := client.SweepLocks(ctx)
		if err != nil {
			log.Fatalf("Failed to sweep locks: %v", err)
		}
		fmt.Printf("Reclaimed %d expired lock(s)\n", result.Reclaimed)
		for _, lock := range result.Locks {
			holder := "unknown"
			if lock.HeldBy != nil {
				holder = *lock.HeldBy
			}
			fmt.Printf("  %s %s %s (was %s)\n", lock.Key.Kind, lock.Key.RequestID, lock.Key.Department, holder)
		}

	case "audit":
		report, err := client.AuditConsistency(ctx)
		if err != nil {
			log.Fatalf("Failed to run audit: %v", err)
		}
		fmt.Printf("Scanned %d withdrawal(s), %d violation(s)\n", report.Scanned, len(report.Violations))
		for _, violation := range report.Violations {
			fmt.Printf("  %s\n", violation)
		}
		if len(report.Violations) > 0 {
			os.Exit(2)
		}

	case "release":
		if len(os.Args) != 5 {
			usage()
		}
		kind, requestID, department := os.Args[2], os.Args[3], os.Args[4]

		fmt.Printf("Force releasing the %s lock on %s %s.\n", department, kind, requestID)
		fmt.Printf("The current holder loses any unsaved work. Continue? (yes/no): ")
		var confirmation string
		fmt.Scanln(&confirmation)
		if strings.TrimSpace(confirmation) != "yes" {
			fmt.Println("Release cancelled.")
			os.Exit(0)
		}

		released, err := client.ForceReleaseLock(ctx, kind, requestID, department)
		if err != nil {
			log.Fatalf("Failed to release lock: %v", err)
		}
		if released {
			fmt.Println("Lock released.")
		} else {
			fmt.Println("Lock was already idle.")
		}

	default:
		usage()
	}
}
