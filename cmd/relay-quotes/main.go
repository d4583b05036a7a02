// One-shot tool: query a running relay server for quotes and print them.
//
// Usage:
//
//	go run cmd/relay-quotes/main.go AAPL MSFT NVDA
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"
)

type quoteRow struct {
	Ticker        string  `json:"ticker"`
	Price         float64 `json:"price"`
	ChangePercent float64 `json:"changePercent"`
	Volume        uint64  `json:"volume"`
	LastUpdated   string  `json:"lastUpdated"`
	Source        string  `json:"source"`
}

type quotesResponse struct {
	Quotes map[string]quoteRow `json:"quotes"`
	Errors map[string]string   `json:"errors"`
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: relay-quotes SYMBOL [SYMBOL...]")
		os.Exit(1)
	}

	base := os.Getenv("RELAY_URL")
	if base == "" {
		base = "http://localhost:8090"
	}

	symbols := make([]string, 0, len(os.Args)-1)
	for _, s := range os.Args[1:] {
		symbols = append(symbols, strings.ToUpper(s))
	}

	client := &http.Client{Timeout: 15 * time.Second}
	endpoint := fmt.Sprintf("%s/api/quotes?symbols=%s", base, url.QueryEscape(strings.Join(symbols, ",")))

	resp, err := client.Get(endpoint)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		fmt.Fprintf(os.Stderr, "server returned %d: %s\n", resp.StatusCode, apiErr.Error)
		os.Exit(1)
	}

	var body quotesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		fmt.Fprintf(os.Stderr, "decoding response: %v\n", err)
		os.Exit(1)
	}

	rows := make([]quoteRow, 0, len(body.Quotes))
	for _, q := range body.Quotes {
		rows = append(rows, q)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Ticker < rows[j].Ticker })

	fmt.Printf("%-8s %12s %9s %14s  %-8s %s\n", "SYMBOL", "PRICE", "CHG%", "VOLUME", "SOURCE", "UPDATED")
	for _, q := range rows {
		fmt.Printf("%-8s %12.2f %8.2f%% %14d  %-8s %s\n",
			q.Ticker, q.Price, q.ChangePercent, q.Volume, q.Source, q.LastUpdated)
	}

	if len(body.Errors) > 0 {
		fmt.Println()
		keys := make([]string, 0, len(body.Errors))
		for k := range body.Errors {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("%-8s error: %s\n", k, body.Errors[k])
		}
	}
}
