// Command wsclient is a diagnostic client that connects to a running
// livefeed's /ws endpoint and prints every frame it receives that
// parses as JSON; other frames are logged as unmarshal errors.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

func main() {
	addr := flag.String("addr", "ws://localhost:8080/ws", "livefeed websocket address")
	symbol := flag.String("symbol", "BTCUSDT", "symbol to report last-known state for when -redis is set")
	redisAddr := flag.String("redis", "", "optional redis address to print last-known candle state before streaming")
	flag.Parse()

	if *redisAddr != "" {
		printLastKnownState(*redisAddr, *symbol)
	}

	log.Println("Connecting to:", *addr)

	conn, _, err := websocket.DefaultDialer.Dial(*addr, http.Header{})
	if err != nil {
		log.Fatal("Error connecting to WebSocket:", err)
	}
	defer conn.Close()

	done := make(chan struct{})

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	go func() {
		defer close(done)
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				log.Println("Read error:", err)
				return
			}

			var envelope map[string]any
			if err := json.Unmarshal(message, &envelope); err != nil {
				log.Println("Unmarshal error:", err)
				continue
			}

			log.Printf("%s\n", message)
		}
	}()

	select {
	case <-interrupt:
		log.Println("Interrupt received, shutting down...")
	case <-done:
		log.Println("Connection closed by server")
	}
	conn.Close()
}

// printLastKnownState reads the candle:<symbol> hash the ingestor
// maintains in Redis and prints it, so an operator can see where the
// stream will resume from before the first live frame arrives.
func printLastKnownState(redisAddr, symbol string) {
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	state, err := rdb.HGetAll(ctx, "candle:"+symbol).Result()
	if err != nil {
		log.Printf("redis lookup for %s failed: %v", symbol, err)
		return
	}
	if len(state) == 0 {
		log.Printf("no cached state for %s yet", symbol)
		return
	}
	log.Printf("last-known %s state: %v", symbol, state)
}
