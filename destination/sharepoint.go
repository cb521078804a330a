package destination

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SharePointConfig is the per-destination JSON config for document library
// uploads.
type SharePointConfig struct {
	// SiteURL is the Graph drive root
	// (e.g. "https://graph.example.com/v1.0/sites/ops/drive").
	SiteURL string `json:"site_url"`
	// Folder is the library folder sections are filed under. Defaults to
	// "AsBuilt".
	Folder string `json:"folder,omitempty"`
	// AccessToken is sent as a bearer token.
	AccessToken string `json:"access_token,omitempty"`
	// Timeout bounds each delivery request. Defaults to 60s.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// SharePointFactory returns a Factory that uploads sections into a document
// library, one folder per job number. The upload path is deterministic, so
// redelivering a section overwrites the previous copy rather than
// accumulating duplicates.
func SharePointFactory() Factory {
	return func(config json.RawMessage) (Adapter, error) {
		var cfg SharePointConfig
		if len(config) > 0 {
			if err := json.Unmarshal(config, &cfg); err != nil {
				return nil, fmt.Errorf("sharepoint: parse config: %w", err)
			}
		}
		if cfg.SiteURL == "" {
			return nil, fmt.Errorf("sharepoint: site_url is required")
		}
		if cfg.Folder == "" {
			cfg.Folder = "AsBuilt"
		}
		if cfg.Timeout <= 0 {
			cfg.Timeout = 60 * time.Second
		}
		return &sharePointAdapter{
			config: cfg,
			client: &http.Client{Timeout: cfg.Timeout},
		}, nil
	}
}

type sharePointAdapter struct {
	config SharePointConfig
	client *http.Client
}

func (a *sharePointAdapter) Key() string { return "sharepoint" }

func (a *sharePointAdapter) Deliver(ctx context.Context, d Delivery) (Receipt, error) {
	job := d.JobNumber
	if job == "" {
		job = d.SubmissionID
	}
	path := fmt.Sprintf("%s/%s/%s", a.config.Folder, job, d.Filename)
	uploadURL := fmt.Sprintf("%s/root:/%s:/content",
		strings.TrimRight(a.config.SiteURL, "/"), url.PathEscape(path))

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, d.Content)
	if err != nil {
		return Receipt{}, &DeliveryError{Dest: a.Key(), Cause: err}
	}
	req.Header.Set("Content-Type", d.ContentType)
	if a.config.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+a.config.AccessToken)
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
		ID     string `json:"id"`
		WebURL string `json:"webUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Receipt{}, &DeliveryError{Dest: a.Key(), Cause: fmt.Errorf("decode response: %w", err)}
	}
	ref := out.ID
	if ref == "" {
		ref = path
	}
	return Receipt{ExternalRef: ref, DeliveredAt: time.Now()}, nil
}
