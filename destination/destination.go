// Package destination provides delivery adapters for the external systems
// that receive routed submission sections: Oracle modules, GIS, SharePoint,
// email relays, regulatory portals, and a local archive.
//
// Each destination is implemented as an Adapter constructed by a Factory
// from per-destination JSON config. The Registry lazily builds adapters on
// first use and hands out the archive adapter for destination keys it does
// not recognize, so a delivery always has somewhere to go.
//
//	reg := destination.NewRegistry(destination.WithLogger(logger))
//	reg.Register(routing.DestOraclePPM, destination.OracleFactory("ppm"))
//	reg.Configure(routing.DestOraclePPM, cfgJSON)
//	ad, _ := reg.Get(routing.DestOraclePPM)
//	receipt, err := ad.Deliver(ctx, delivery)
package destination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// Delivery carries one section to a destination system.
type Delivery struct {
	SubmissionID string
	SectionID    string
	SectionType  string
	UtilityCode  string
	CompanyID    string
	JobNumber    string
	PageStart    int
	PageEnd      int
	Filename     string
	ContentType  string
	Content      io.Reader
	Metadata     map[string]string
}

// Receipt is the destination's acknowledgement of a delivery.
type Receipt struct {
	ExternalRef string
	DeliveredAt time.Time
}

// Adapter delivers sections to one destination system. Implementations must
// be safe for concurrent use.
type Adapter interface {
	// Key returns the destination key this adapter serves.
	Key() string
	// Deliver pushes the section to the destination and returns the remote
	// reference. Errors are classified with Retryable.
	Deliver(ctx context.Context, d Delivery) (Receipt, error)
}

// Factory builds an Adapter from per-destination JSON config.
type Factory func(config json.RawMessage) (Adapter, error)

// DeliveryError wraps a failed delivery with enough detail to decide
// whether a retry is worthwhile.
type DeliveryError struct {
	Dest   string
	Status int // HTTP status, 0 for transport-level failures
	Cause  error
}

func (e *DeliveryError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("destination: %s returned %d: %v", e.Dest, e.Status, e.Cause)
	}
	return fmt.Sprintf("destination: %s unreachable: %v", e.Dest, e.Cause)
}

func (e *DeliveryError) Unwrap() error { return e.Cause }

// Retryable reports whether the failure is transient. Transport failures,
// 5xx responses and 429 are retryable; other 4xx responses are not.
func (e *DeliveryError) Retryable() bool {
	return e.Status == 0 || e.Status >= 500 || e.Status == 429
}

// Retryable reports whether err represents a transient delivery failure.
// Errors that are not DeliveryErrors are treated as retryable.
func Retryable(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Retryable()
	}
	return err != nil
}

// ErrNoFactory is returned when a destination key has no registered factory
// and the registry has no archive fallback.
type ErrNoFactory struct {
	Dest string
}

func (e *ErrNoFactory) Error() string {
	return fmt.Sprintf("destination: no factory for %q", e.Dest)
}
