package destination

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// GISConfig is the per-destination JSON config for the Esri feature
// service adapter.
type GISConfig struct {
	// ServiceURL is the feature service layer root
	// (e.g. "https://gis.example.com/arcgis/rest/services/asbuilt/FeatureServer/0").
	ServiceURL string `json:"service_url"`
	// Token is an ArcGIS token appended to each request.
	Token string `json:"token,omitempty"`
	// Timeout bounds each delivery request. Defaults to 60s; sketch and
	// photo sections can be large.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// GISFactory returns a Factory for Esri feature service attachment uploads.
// Sections are attached to the feature identified by the delivery's job
// number via the addAttachment operation.
func GISFactory() Factory {
	return func(config json.RawMessage) (Adapter, error) {
		var cfg GISConfig
		if len(config) > 0 {
			if err := json.Unmarshal(config, &cfg); err != nil {
				return nil, fmt.Errorf("gis: parse config: %w", err)
			}
		}
		if cfg.ServiceURL == "" {
			return nil, fmt.Errorf("gis: service_url is required")
		}
		if cfg.Timeout <= 0 {
			cfg.Timeout = 60 * time.Second
		}
		return &gisAdapter{
			config: cfg,
			client: &http.Client{Timeout: cfg.Timeout},
		}, nil
	}
}

type gisAdapter struct {
	config GISConfig
	client *http.Client
}

func (a *gisAdapter) Key() string { return "gis_esri" }

func (a *gisAdapter) Deliver(ctx context.Context, d Delivery) (Receipt, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fw, err := mw.CreateFormFile("attachment", d.Filename)
	if err != nil {
		return Receipt{}, &DeliveryError{Dest: a.Key(), Cause: err}
	}
	if _, err := io.Copy(fw, d.Content); err != nil {
		return Receipt{}, &DeliveryError{Dest: a.Key(), Cause: fmt.Errorf("read content: %w", err)}
	}
	mw.WriteField("f", "json")
	mw.WriteField("jobNumber", d.JobNumber)
	mw.WriteField("sectionType", d.SectionType)
	if a.config.Token != "" {
		mw.WriteField("token", a.config.Token)
	}
	if err := mw.Close(); err != nil {
		return Receipt{}, &DeliveryError{Dest: a.Key(), Cause: err}
	}

	url := a.config.ServiceURL + "/addAttachment"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return Receipt{}, &DeliveryError{Dest: a.Key(), Cause: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := a.client.Do(req)
	if err != nil {
		return Receipt{}, &DeliveryError{Dest: a.Key(), Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Receipt{}, &DeliveryError{
			Dest:   a.Key(),
			Status: resp.StatusCode,
			Cause:  fmt.Errorf("%s", bytes.TrimSpace(msg)),
		}
	}

	// ArcGIS reports operation failures in a 200 body.
	var out struct {
		AddAttachmentResult struct {
			ObjectID int64 `json:"objectId"`
			Success  bool  `json:"success"`
		} `json:"addAttachmentResult"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Receipt{}, &DeliveryError{Dest: a.Key(), Cause: fmt.Errorf("decode response: %w", err)}
	}
	if out.Error != nil {
		return Receipt{}, &DeliveryError{
			Dest:   a.Key(),
			Status: out.Error.Code,
			Cause:  fmt.Errorf("%s", out.Error.Message),
		}
	}
	if !out.AddAttachmentResult.Success {
		return Receipt{}, &DeliveryError{Dest: a.Key(), Status: 500, Cause: fmt.Errorf("addAttachment not successful")}
	}
	return Receipt{
		ExternalRef: fmt.Sprintf("attachment:%d", out.AddAttachmentResult.ObjectID),
		DeliveredAt: time.Now(),
	}, nil
}
