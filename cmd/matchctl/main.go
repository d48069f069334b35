// matchctl emits match events onto the bus the same way the matchmaker
// does, for local testing and operational intervention.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/arenaforge/matchfleet/internal/events"
	"github.com/arenaforge/matchfleet/pkg/logger"
)

func main() {
	var (
		brokers     []string
		createTopic string
		resultTopic string
		user1       string
		user2       string
		ranked      bool
		matchID     string
		timeout     time.Duration
	)

	flag.StringSliceVar(&brokers, "brokers", []string{"localhost:9092"}, "kafka broker addresses")
	flag.StringVar(&createTopic, "create-topic", "match.create", "creation event topic")
	flag.StringVar(&resultTopic, "result-topic", "match.result", "result event topic")
	flag.StringVar(&user1, "user1", "", "first participant (create)")
	flag.StringVar(&user2, "user2", "", "second participant (create)")
	flag.BoolVar(&ranked, "ranked", false, "mark the match as ranked (create)")
	flag.StringVar(&matchID, "match-id", "", "match id (result)")
	flag.DurationVar(&timeout, "timeout", 10*time.Second, "publish timeout")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: matchctl [flags] create|result")
		os.Exit(2)
	}

	zapLogger, err := logger.New("info")
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	pub := events.NewPublisher(brokers, createTopic, resultTopic, zapLogger)
	defer pub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	switch flag.Arg(0) {
	case "create":
		if user1 == "" || user2 == "" {
			fmt.Fprintln(os.Stderr, "create requires --user1 and --user2")
			os.Exit(2)
		}
		if err := pub.PublishCreation(ctx, user1, user2, ranked); err != nil {
			log.Fatalf("Failed to publish creation event: %v", err)
		}
	case "result":
		if matchID == "" {
			fmt.Fprintln(os.Stderr, "result requires --match-id")
			os.Exit(2)
		}
		if err := pub.PublishResult(ctx, matchID); err != nil {
			log.Fatalf("Failed to publish result event: %v", err)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", flag.Arg(0))
		os.Exit(2)
	}
}
