package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"settlenet/native/settlement"
	"settlenet/sdk"
)

var gatewayURL = defaultGatewayURL()

func defaultGatewayURL() string {
	if url := strings.TrimSpace(os.Getenv("SETTLENET_URL")); url != "" {
		return url
	}
	return "http://localhost:8080"
}

func main() {
	args := os.Args[1:]
	if len(args) < 1 {
		printUsage()
		return
	}

	var err error
	switch args[0] {
	case "generate-key":
		err = generateKey(args[1:])
	case "submit":
		err = submitInvoice(args[1:])
	case "invoice":
		err = showInvoice(args[1:])
	case "quote":
		err = showQuote(args[1:])
	case "accept":
		err = acceptQuote(args[1:])
	case "bid":
		err = submitBid(args[1:])
	default:
		printUsage()
		err = fmt.Errorf("unknown command %q", args[0])
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`settlenet-cli — talk to a settlement network gateway

Usage:
  settlenet-cli generate-key <file>
  settlenet-cli submit <supplier> <buyer> <amount> <currency> <terms> <description>
  settlenet-cli invoice <id>
  settlenet-cli quote <invoice-id> [terms]
  settlenet-cli accept <invoice-id> <quote-id> <buyer> <key-file>
  settlenet-cli bid <provider> <invoice-id> <rate> <capacity>

The gateway address comes from SETTLENET_URL (default http://localhost:8080).
A bearer token in SETTLENET_TOKEN is attached when present.`)
}

func client(party string) (*sdk.Client, error) {
	opts := []sdk.Option{}
	if token := strings.TrimSpace(os.Getenv("SETTLENET_TOKEN")); token != "" {
		opts = append(opts, sdk.WithToken(token))
	} else if party != "" {
		opts = append(opts, sdk.WithParty(party))
	}
	return sdk.New(gatewayURL, opts...)
}

func generateKey(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: generate-key <file>")
	}
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return err
	}
	if err := ethcrypto.SaveECDSA(args[0], key); err != nil {
		return err
	}
	fmt.Println("public key:", settlement.PublicKeyHex(&key.PublicKey))
	fmt.Println("saved to:", args[0])
	return nil
}

func submitInvoice(args []string) error {
	if len(args) < 6 {
		return fmt.Errorf("usage: submit <supplier> <buyer> <amount> <currency> <terms> <description>")
	}
	amount, err := decimal.NewFromString(args[2])
	if err != nil {
		return fmt.Errorf("parse amount: %w", err)
	}
	terms, err := strconv.Atoi(args[4])
	if err != nil {
		return fmt.Errorf("parse terms: %w", err)
	}
	c, err := client(args[0])
	if err != nil {
		return err
	}
	inv, err := c.SubmitInvoice(context.Background(), sdk.SubmitInvoiceRequest{
		SupplierID: args[0],
		BuyerID:    args[1],
		Amount:     amount,
		Currency:   args[3],
		Terms:      terms,
		LineItems: []sdk.LineItem{
			{Description: strings.Join(args[5:], " "), Quantity: decimal.NewFromInt(1), UnitPrice: amount},
		},
	})
	if err != nil {
		return err
	}
	return printJSON(inv)
}

func showInvoice(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: invoice <id>")
	}
	c, err := client("")
	if err != nil {
		return err
	}
	inv, err := c.GetInvoice(context.Background(), args[0])
	if err != nil {
		return err
	}
	return printJSON(inv)
}

func showQuote(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: quote <invoice-id> [terms]")
	}
	terms := 0
	if len(args) > 1 {
		parsed, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("parse terms: %w", err)
		}
		terms = parsed
	}
	c, err := client("")
	if err != nil {
		return err
	}
	quote, err := c.GetQuote(context.Background(), args[0], terms)
	if err != nil {
		return err
	}
	return printJSON(quote)
}

func acceptQuote(args []string) error {
	if len(args) < 4 {
		return fmt.Errorf("usage: accept <invoice-id> <quote-id> <buyer> <key-file>")
	}
	key, err := ethcrypto.LoadECDSA(args[3])
	if err != nil {
		return fmt.Errorf("load key: %w", err)
	}
	c, err := client(args[2])
	if err != nil {
		return err
	}
	result, err := c.AcceptQuote(context.Background(), args[0], args[1], args[2], key,
		sdk.WithIdempotencyKey(acceptKey(args[0], args[1])))
	if err != nil {
		return err
	}
	return printJSON(result)
}

// acceptKey derives a stable idempotency key so retries of the same
// acceptance replay instead of re-settling.
func acceptKey(invoiceID, quoteID string) string {
	return "accept-" + hex.EncodeToString([]byte(invoiceID+":"+quoteID))
}

func submitBid(args []string) error {
	if len(args) < 4 {
		return fmt.Errorf("usage: bid <provider> <invoice-id> <rate> <capacity>")
	}
	rate, err := decimal.NewFromString(args[2])
	if err != nil {
		return fmt.Errorf("parse rate: %w", err)
	}
	capacity, err := decimal.NewFromString(args[3])
	if err != nil {
		return fmt.Errorf("parse capacity: %w", err)
	}
	c, err := client(args[0])
	if err != nil {
		return err
	}
	bid, err := c.SubmitBid(context.Background(), sdk.SubmitBidRequest{
		InvoiceID:    args[1],
		DiscountRate: rate,
		Capacity:     capacity,
		ExpiresAt:    time.Now().Add(time.Hour),
	})
	if err != nil {
		return err
	}
	return printJSON(bid)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
