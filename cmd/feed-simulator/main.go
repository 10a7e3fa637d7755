// feed-simulator stands in for the exchange price ingestor: it publishes
// synthetic price_update events onto the request log at a fixed rate.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/perpsim/margin-engine/internal/logging"
	"github.com/perpsim/margin-engine/internal/msg"
	"go.uber.org/zap"
)

func main() {
	var (
		brokers    = flag.String("brokers", "127.0.0.1:9092", "Kafka broker addresses")
		topic      = flag.String("topic", "engine.requests", "Request log topic")
		symbols    = flag.String("symbols", "BTC_USDC_PERP,ETH_USDC_PERP,SOL_USDC_PERP", "Symbols to tick (comma-separated)")
		intervalMs = flag.Int("interval-ms", 2000, "Milliseconds between ticks per symbol")
		seed       = flag.Int64("seed", 42, "Random seed for the price walk")
	)
	flag.Parse()

	logger, err := logging.NewLogger("feed-simulator", "info")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	brokerList := strings.Split(*brokers, ",")
	for i := range brokerList {
		brokerList[i] = strings.TrimSpace(brokerList[i])
	}

	symbolList := strings.Split(*symbols, ",")
	for i := range symbolList {
		symbolList[i] = strings.TrimSpace(symbolList[i])
	}

	logger.Info("starting feed simulator",
		zap.Strings("brokers", brokerList),
		zap.String("topic", *topic),
		zap.Strings("symbols", symbolList),
		zap.Int("interval_ms", *intervalMs),
	)

	producer, err := msg.NewProducer(brokerList, logger)
	if err != nil {
		logger.Fatal("failed to create producer", zap.Error(err))
	}
	defer producer.Close()

	// Random walk per symbol around an arbitrary base price
	rng := rand.New(rand.NewSource(*seed))
	mids := make(map[string]float64, len(symbolList))
	for i, s := range symbolList {
		mids[s] = 100 * float64(i+1)
	}

	ticker := time.NewTicker(time.Duration(*intervalMs) * time.Millisecond)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ctx := context.Background()
	sent := 0
	for {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal",
				zap.String("signal", sig.String()),
				zap.Int("ticks_sent", sent),
			)
			return
		case <-ticker.C:
			for _, symbol := range symbolList {
				mids[symbol] *= 1 + (rng.Float64()-0.5)*0.002
				mid := mids[symbol]
				spread := mid * 0.0005

				tick := msg.PriceUpdateMsg{
					Symbol:    symbol,
					BidPrice:  mid - spread,
					AskPrice:  mid + spread,
					BidVolume: 1 + rng.Float64()*10,
					AskVolume: 1 + rng.Float64()*10,
					Timestamp: time.Now().UnixMilli(),
				}

				payload, err := json.Marshal(tick)
				if err != nil {
					logger.Error("failed to marshal tick", zap.Error(err))
					continue
				}

				env := msg.Envelope{
					Type:      msg.TypePriceUpdate,
					Data:      payload,
					Timestamp: tick.Timestamp,
				}

				if err := producer.ProduceJSON(ctx, *topic, symbol, env); err != nil {
					logger.Error("failed to produce tick", zap.String("symbol", symbol), zap.Error(err))
					continue
				}

				sent++
				logger.Debug("tick produced",
					zap.String("symbol", symbol),
					zap.Float64("mid", mid),
				)
			}
		}
	}
}
