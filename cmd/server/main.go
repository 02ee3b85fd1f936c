// Command server runs the PixelPeep signalling relay on its own, for hosting
// next to a Pixel Streaming application.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/tomaslejdung/pixelpeep/pkg/signal"
)

func main() {
	// A missing .env is fine
	_ = godotenv.Load()

	port := flag.Int("port", 8080, "Server port")
	stun := flag.String("stun", os.Getenv("PIXELPEEP_STUN"), "Comma separated STUN URLs handed to players")
	turn := flag.String("turn", os.Getenv("PIXELPEEP_TURN"), "TURN server URL handed to players")
	turnUser := flag.String("turn-user", os.Getenv("PIXELPEEP_TURN_USER"), "TURN server username")
	turnPass := flag.String("turn-pass", os.Getenv("PIXELPEEP_TURN_PASS"), "TURN server password")
	flag.Parse()

	// Check for PORT env var (for cloud deployments)
	if envPort := os.Getenv("PORT"); envPort != "" {
		fmt.Sscanf(envPort, "%d", port)
	}

	var opts signal.PeerConnectionOptions
	if *stun != "" {
		opts.ICEServers = append(opts.ICEServers, signal.ICEServer{URLs: strings.Split(*stun, ",")})
	}
	if *turn != "" {
		opts.ICEServers = append(opts.ICEServers, signal.ICEServer{
			URLs:       []string{*turn},
			Username:   *turnUser,
			Credential: *turnPass,
		})
	}

	relay := signal.NewRelay(opts)
	addr := fmt.Sprintf(":%d", *port)
	log.Printf("PixelPeep relay: streamer on ws://localhost%s/streamer, players on ws://localhost%s/", addr, addr)

	if err := relay.ListenAndServe(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
