package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
)

func main() {
	baseURL := getenvDefault("MAILBOX_URL", "http://localhost:3025")

	fmt.Println("Capturing a raw message...")
	raw := strings.Join([]string{
		"From: Demo App <app@example.com>",
		"To: Customer <customer@example.com>",
		"Subject: Welcome aboard",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"Thanks for signing up. This message was captured, not delivered.",
		"",
	}, "\r\n")
	id := post(baseURL+"/api/capture", "message/rfc822", []byte(raw))
	fmt.Println("captured", id)

	fmt.Println("Sending test messages through /api/send...")
	for i := 1; i <= 10; i++ {
		payload, _ := json.Marshal(map[string]any{
			"from":    "demo@example.com",
			"to":      []string{"inbox@example.com"},
			"subject": fmt.Sprintf("Mailbox demo #%d", i),
			"text":    fmt.Sprintf("Hello from the mailbox demo. Message %d.", i),
			"html":    fmt.Sprintf("<p>Hello from the mailbox demo. Message <b>%d</b>.</p>", i),
		})
		id := post(baseURL+"/api/send", "application/json", payload)
		fmt.Println("captured", id)
	}

	fmt.Println("Open", baseURL+"/api/messages", "to browse the inbox")
}

func post(url, contentType string, body []byte) string {
	resp, err := http.Post(url, contentType, bytes.NewReader(body))
	if err != nil {
		panic(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		panic(fmt.Sprintf("unexpected status %d from %s", resp.StatusCode, url))
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		panic(err)
	}
	return created.ID
}

func getenvDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
