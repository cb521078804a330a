package destination

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// EmailConfig is the per-destination JSON config for the email relay
// adapter.
type EmailConfig struct {
	// RelayURL is the HTTP relay endpoint that accepts a message JSON and
	// performs the actual SMTP send.
	RelayURL string `json:"relay_url"`
	// From is the sender address.
	From string `json:"from"`
	// To lists default recipients. A delivery's "email_to" metadata value
	// overrides them.
	To []string `json:"to,omitempty"`
	// APIKey is sent as a bearer token.
	APIKey string `json:"api_key,omitempty"`
	// Timeout bounds each delivery request. Defaults to 30s.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// EmailFactory returns a Factory that sends sections as email attachments
// through an HTTP relay.
func EmailFactory() Factory {
	return func(config json.RawMessage) (Adapter, error) {
		var cfg EmailConfig
		if len(config) > 0 {
			if err := json.Unmarshal(config, &cfg); err != nil {
				return nil, fmt.Errorf("email: parse config: %w", err)
			}
		}
		if cfg.RelayURL == "" {
			return nil, fmt.Errorf("email: relay_url is required")
		}
		if cfg.Timeout <= 0 {
			cfg.Timeout = 30 * time.Second
		}
		return &emailAdapter{
			config: cfg,
			client: &http.Client{Timeout: cfg.Timeout},
		}, nil
	}
}

type emailAdapter struct {
	config EmailConfig
	client *http.Client
}

func (a *emailAdapter) Key() string { return "email" }

type emailMessage struct {
	From       string   `json:"from"`
	To         []string `json:"to"`
	Subject    string   `json:"subject"`
	Body       string   `json:"body"`
	Attachment struct {
		Filename    string `json:"filename"`
		ContentType string `json:"content_type"`
		Content     string `json:"content"` // base64
	} `json:"attachment"`
}

func (a *emailAdapter) Deliver(ctx context.Context, d Delivery) (Receipt, error) {
	raw, err := io.ReadAll(d.Content)
	if err != nil {
		return Receipt{}, &DeliveryError{Dest: a.Key(), Cause: fmt.Errorf("read content: %w", err)}
	}

	msg := emailMessage{
		From:    a.config.From,
		To:      a.config.To,
		Subject: fmt.Sprintf("As-built %s for job %s", d.SectionType, d.JobNumber),
		Body:    fmt.Sprintf("Section %s of submission %s, pages %d-%d.", d.SectionType, d.SubmissionID, d.PageStart, d.PageEnd),
	}
	if to := d.Metadata["email_to"]; to != "" {
		msg.To = []string{to}
	}
	msg.Attachment.Filename = d.Filename
	msg.Attachment.ContentType = d.ContentType
	msg.Attachment.Content = base64.StdEncoding.EncodeToString(raw)

	body, err := json.Marshal(msg)
	if err != nil {
		return Receipt{}, &DeliveryError{Dest: a.Key(), Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.RelayURL, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, &DeliveryError{Dest: a.Key(), Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", d.SectionID)
	if a.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.config.APIKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return Receipt{}, &DeliveryError{Dest: a.Key(), Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		errMsg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Receipt{}, &DeliveryError{
			Dest:   a.Key(),
			Status: resp.StatusCode,
			Cause:  fmt.Errorf("%s", bytes.TrimSpace(errMsg)),
		}
	}

	var out struct {
		MessageID string `json:"message_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Receipt{}, &DeliveryError{Dest: a.Key(), Cause: fmt.Errorf("decode response: %w", err)}
	}
	return Receipt{ExternalRef: out.MessageID, DeliveredAt: time.Now()}, nil
}
