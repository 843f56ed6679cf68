package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"time"
)

// Sends a plausible per-minute count mix to a running engine, with an
// optional denied-spike burst to exercise the alert path end to end.

type record struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

type batch struct {
	Records []record `json:"records"`
}

func main() {
	target := flag.String("target", "http://localhost:8080", "engine base URL")
	interval := flag.Duration("interval", 5*time.Second, "send interval")
	spikeAfter := flag.Int("spike-after", 0, "inject a denied spike after N batches (0 disables)")
	flag.Parse()

	logger := log.New(log.Writer(), "traffic ", log.LstdFlags)
	client := &http.Client{Timeout: 5 * time.Second}

	sent := 0
	for {
		b := normalBatch()
		if *spikeAfter > 0 && sent > 0 && sent%*spikeAfter == 0 {
			b.Records = append(b.Records, record{Status: "denied", Count: 80})
			logger.Printf("injecting denied spike")
		}

		body, err := json.Marshal(b)
		if err != nil {
			logger.Fatalf("marshal: %v", err)
		}
		resp, err := client.Post(*target+"/transactions/batch", "application/json", bytes.NewReader(body))
		if err != nil {
			logger.Printf("send failed: %v", err)
		} else {
			resp.Body.Close()
			logger.Printf("sent batch #%d (%d records, status %d)", sent, len(b.Records), resp.StatusCode)
		}

		sent++
		time.Sleep(*interval)
	}
}

func normalBatch() batch {
	return batch{Records: []record{
		{Status: "approved", Count: 90 + rand.Intn(20)},
		{Status: "denied", Count: 3 + rand.Intn(5)},
		{Status: "failed", Count: rand.Intn(4)},
		{Status: "reversed", Count: rand.Intn(3)},
	}}
}
