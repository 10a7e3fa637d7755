// trader is a CLI that exercises the engine the way an API handler would:
// it publishes a request onto the request log and synchronously waits for
// the correlated confirmation.
//
//	trader -action deposit -user u1 -amount 10000
//	trader -action open -user u1 -symbol BTC_USDC_PERP -amount 1 -leverage 10 -side BUY
//	trader -action close -user u1 -order <orderId>
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/perpsim/margin-engine/internal/correlation"
	"github.com/perpsim/margin-engine/internal/logging"
	"github.com/perpsim/margin-engine/internal/msg"
	"go.uber.org/zap"
)

func main() {
	var (
		brokers      = flag.String("brokers", "127.0.0.1:9092", "Kafka broker addresses")
		requestTopic = flag.String("request-topic", "engine.requests", "Request log topic")
		confirmTopic = flag.String("confirmation-topic", "engine.confirmations", "Confirmation log topic")
		action       = flag.String("action", "", "deposit | open | close")
		user         = flag.String("user", "", "User ID")
		symbol       = flag.String("symbol", "", "Symbol (open)")
		amount       = flag.Float64("amount", 0, "Amount (deposit/open)")
		leverage     = flag.Float64("leverage", 1, "Leverage (open)")
		side         = flag.String("side", "BUY", "BUY or SELL (open)")
		orderID      = flag.String("order", "", "Order ID to close")
		timeoutMs    = flag.Int("timeout-ms", 5000, "Confirmation wait budget")
	)
	flag.Parse()

	logger, err := logging.NewLogger("trader", "warn")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if *action == "" || *user == "" {
		fmt.Fprintln(os.Stderr, "usage: trader -action deposit|open|close -user <id> [flags]")
		os.Exit(2)
	}

	brokerList := strings.Split(*brokers, ",")
	for i := range brokerList {
		brokerList[i] = strings.TrimSpace(brokerList[i])
	}

	producer, err := msg.NewProducer(brokerList, logger)
	if err != nil {
		logger.Fatal("failed to create producer", zap.Error(err))
	}
	defer producer.Close()

	dialer := &msg.TailDialer{
		Brokers: brokerList,
		Topic:   *confirmTopic,
		Logger:  logger,
	}
	openTail := func(ctx context.Context) (correlation.EventStream, error) {
		return dialer.OpenTail(ctx)
	}

	client := correlation.NewClient(producer, openTail, *requestTopic, logger)

	ctx := context.Background()
	var correlationID string
	switch *action {
	case "deposit":
		correlationID, err = client.SubmitDeposit(ctx, msg.DepositRequestMsg{
			UserID: *user,
			Amount: *amount,
		})
	case "open":
		correlationID, err = client.SubmitOrder(ctx, msg.OrderRequestMsg{
			UserID:   *user,
			Symbol:   *symbol,
			Amount:   *amount,
			Leverage: *leverage,
			Side:     *side,
		})
	case "close":
		correlationID, err = client.SubmitClose(ctx, msg.CloseRequestMsg{
			UserID:  *user,
			OrderID: *orderID,
		})
	default:
		fmt.Fprintf(os.Stderr, "unknown action %q\n", *action)
		os.Exit(2)
	}
	if err != nil {
		logger.Fatal("failed to submit request", zap.Error(err))
	}

	fmt.Printf("request submitted, correlation id %s\n", correlationID)

	conf, err := client.AwaitConfirmation(ctx, correlationID, time.Duration(*timeoutMs)*time.Millisecond)
	if err != nil {
		if errors.Is(err, correlation.ErrTimeout) {
			// The engine may still have applied the request; only the
			// confirmation window elapsed
			fmt.Fprintln(os.Stderr, "timed out waiting for confirmation")
			os.Exit(1)
		}
		logger.Fatal("failed waiting for confirmation", zap.Error(err))
	}

	out, _ := json.MarshalIndent(conf, "", "  ")
	fmt.Println(string(out))
}
