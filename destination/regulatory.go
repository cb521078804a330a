package destination

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RegulatoryConfig is the per-destination JSON config for regulatory portal
// submissions.
type RegulatoryConfig struct {
	// PortalURL is the portal's filing endpoint.
	PortalURL string `json:"portal_url"`
	// Secret signs each request body with HMAC-SHA256; the signature is
	// sent as a hex X-Signature-256 header.
	Secret string `json:"secret"`
	// FilerID identifies the submitting party at the portal.
	FilerID string `json:"filer_id,omitempty"`
	// Timeout bounds each delivery request. Defaults to 60s.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// RegulatoryFactory returns a Factory for HMAC-signed filings to a
// regulatory portal.
func RegulatoryFactory() Factory {
	return func(config json.RawMessage) (Adapter, error) {
		var cfg RegulatoryConfig
		if len(config) > 0 {
			if err := json.Unmarshal(config, &cfg); err != nil {
				return nil, fmt.Errorf("regulatory: parse config: %w", err)
			}
		}
		if cfg.PortalURL == "" {
			return nil, fmt.Errorf("regulatory: portal_url is required")
		}
		if cfg.Secret == "" {
			return nil, fmt.Errorf("regulatory: secret is required")
		}
		if cfg.Timeout <= 0 {
			cfg.Timeout = 60 * time.Second
		}
		return &regulatoryAdapter{
			config: cfg,
			client: &http.Client{Timeout: cfg.Timeout},
		}, nil
	}
}

type regulatoryAdapter struct {
	config RegulatoryConfig
	client *http.Client
}

func (a *regulatoryAdapter) Key() string { return "regulatory" }

type regulatoryFiling struct {
	FilerID     string `json:"filer_id,omitempty"`
	UtilityCode string `json:"utility_code"`
	JobNumber   string `json:"job_number"`
	SectionType string `json:"section_type"`
	Filename    string `json:"filename"`
	Document    string `json:"document"` // base64
	FiledAt     string `json:"filed_at"`
}

func (a *regulatoryAdapter) sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(a.config.Secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (a *regulatoryAdapter) Deliver(ctx context.Context, d Delivery) (Receipt, error) {
	raw, err := io.ReadAll(d.Content)
	if err != nil {
		return Receipt{}, &DeliveryError{Dest: a.Key(), Cause: fmt.Errorf("read content: %w", err)}
	}

	body, err := json.Marshal(regulatoryFiling{
		FilerID:     a.config.FilerID,
		UtilityCode: d.UtilityCode,
		JobNumber:   d.JobNumber,
		SectionType: d.SectionType,
		Filename:    d.Filename,
		Document:    base64.StdEncoding.EncodeToString(raw),
		FiledAt:     time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return Receipt{}, &DeliveryError{Dest: a.Key(), Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.PortalURL, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, &DeliveryError{Dest: a.Key(), Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", d.SectionID)
	req.Header.Set("X-Signature-256", a.sign(body))

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
		FilingNumber string `json:"filing_number"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Receipt{}, &DeliveryError{Dest: a.Key(), Cause: fmt.Errorf("decode response: %w", err)}
	}
	return Receipt{ExternalRef: out.FilingNumber, DeliveredAt: time.Now()}, nil
}
