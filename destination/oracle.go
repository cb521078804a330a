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

// OracleConfig is the per-destination JSON config for Oracle module
// adapters (PPM and Payables share the shape).
type OracleConfig struct {
	// BaseURL is the Oracle REST endpoint root (e.g. "https://erp.example.com/api").
	BaseURL string `json:"base_url"`
	// APIKey is sent as a bearer token.
	APIKey string `json:"api_key,omitempty"`
	// Timeout bounds each delivery request. Defaults to 30s.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// OracleFactory returns a Factory for an Oracle module ("ppm" or
// "payables"). Attachments are posted as JSON with base64 content; the
// section ID is sent as the idempotency key so redelivery of an already
// accepted section returns the original document reference instead of
// creating a duplicate.
func OracleFactory(module string) Factory {
	return func(config json.RawMessage) (Adapter, error) {
		var cfg OracleConfig
		if len(config) > 0 {
			if err := json.Unmarshal(config, &cfg); err != nil {
				return nil, fmt.Errorf("oracle %s: parse config: %w", module, err)
			}
		}
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("oracle %s: base_url is required", module)
		}
		if cfg.Timeout <= 0 {
			cfg.Timeout = 30 * time.Second
		}
		return &oracleAdapter{
			module: module,
			config: cfg,
			client: &http.Client{Timeout: cfg.Timeout},
		}, nil
	}
}

type oracleAdapter struct {
	module string
	config OracleConfig
	client *http.Client
}

func (a *oracleAdapter) Key() string { return "oracle_" + a.module }

// oracleAttachment is the request body for the attachments endpoint.
type oracleAttachment struct {
	JobNumber   string `json:"job_number"`
	SectionType string `json:"section_type"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Content     string `json:"content"` // base64
}

func (a *oracleAdapter) Deliver(ctx context.Context, d Delivery) (Receipt, error) {
	raw, err := io.ReadAll(d.Content)
	if err != nil {
		return Receipt{}, &DeliveryError{Dest: a.Key(), Cause: fmt.Errorf("read content: %w", err)}
	}

	body, err := json.Marshal(oracleAttachment{
		JobNumber:   d.JobNumber,
		SectionType: d.SectionType,
		Filename:    d.Filename,
		ContentType: d.ContentType,
		Content:     base64.StdEncoding.EncodeToString(raw),
	})
	if err != nil {
		return Receipt{}, &DeliveryError{Dest: a.Key(), Cause: err}
	}

	url := fmt.Sprintf("%s/%s/attachments", a.config.BaseURL, a.module)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
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

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Receipt{}, &DeliveryError{
			Dest:   a.Key(),
			Status: resp.StatusCode,
			Cause:  fmt.Errorf("%s", bytes.TrimSpace(msg)),
		}
	}

	var out struct {
		DocumentID string `json:"document_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Receipt{}, &DeliveryError{Dest: a.Key(), Cause: fmt.Errorf("decode response: %w", err)}
	}
	if out.DocumentID == "" {
		return Receipt{}, &DeliveryError{Dest: a.Key(), Cause: fmt.Errorf("empty document_id")}
	}
	return Receipt{ExternalRef: out.DocumentID, DeliveredAt: time.Now()}, nil
}
