// Package worker holds the background job handlers run by cmd/worker
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/briangreenhill/decormarket/internal/jobs"
	"github.com/briangreenhill/decormarket/market"
)

// Products creates catalog entries; *market.Client satisfies it
type Products interface {
	CreateProduct(ctx context.Context, in market.ProductInput) (*market.Product, error)
}

// Publisher broadcasts cache invalidations to the API instances
type Publisher interface {
	PublishPattern(ctx context.Context, pattern string) error
}

type Importer struct {
	Products Products
	Bus      Publisher // optional
	Log      zerolog.Logger
}

// HandleImportProducts creates every product in the payload. Products that
// were created are announced even when a later one fails, and each create
// reuses its idempotency key across retries of the same task.
func (im *Importer) HandleImportProducts(ctx context.Context, t *asynq.Task) error {
	var p jobs.ImportProductsPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		im.Log.Error().Err(err).Msg("bad import payload")
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if p.VendorID == "" || len(p.Products) == 0 {
		im.Log.Error().Str("vendor_id", p.VendorID).Msg("empty import payload")
		return fmt.Errorf("empty import: %w", asynq.SkipRetry)
	}

	taskID, _ := asynq.GetTaskID(ctx)
	log := im.Log.With().
		Str("task_id", taskID).
		Str("vendor_id", p.VendorID).
		Str("requested_by", p.RequestedBy).
		Logger()
	log.Info().Int("products", len(p.Products)).Msg("import started")
	start := time.Now()

	created := 0
	var err error
	for i, in := range p.Products {
		in.VendorID = p.VendorID
		pctx := ctx
		if taskID != "" {
			pctx = market.WithIdempotencyKey(ctx, fmt.Sprintf("%s:%d", taskID, i))
		}
		if _, err = im.Products.CreateProduct(pctx, in); err != nil {
			err = fmt.Errorf("product %d (%s): %w", i, in.Name, err)
			break
		}
		created++
	}
	if created > 0 {
		im.announce(ctx, p.VendorID)
	}

	duration := time.Since(start)
	if err != nil {
		if IsRetryable(err) {
			log.Warn().Err(err).Int("created", created).Dur("duration", duration).Msg("import failed, will retry")
			return err
		}
		log.Error().Err(err).Int("created", created).Dur("duration", duration).Msg("import failed permanently")
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	log.Info().Int("created", created).Dur("duration", duration).Msg("import done")
	return nil
}

func (im *Importer) announce(ctx context.Context, vendorID string) {
	if im.Bus == nil {
		return
	}
	for _, pattern := range []string{"/products", "/vendors/" + url.PathEscape(vendorID)} {
		if err := im.Bus.PublishPattern(ctx, pattern); err != nil {
			im.Log.Warn().Err(err).Str("pattern", pattern).Msg("publish invalidation")
		}
	}
}

// IsRetryable determines if an error should trigger a job retry
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, market.ErrInvalidInput) {
		return false
	}

	var apiErr *market.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	var tokErr *oauth2.RetrieveError
	if errors.As(err, &tokErr) {
		return tokErr.Response == nil ||
			tokErr.Response.StatusCode == http.StatusTooManyRequests ||
			tokErr.Response.StatusCode >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection") || strings.Contains(msg, "timeout")
}
