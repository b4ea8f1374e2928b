package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/briangreenhill/decormarket/market"
)

const (
	TaskImportProducts = "import:vendor_products"

	QueueImports = "imports"
)

// ImportProductsPayload is checked against the requester before it is
// queued; the worker trusts it.
type ImportProductsPayload struct {
	VendorID    string                `json:"vendor_id"`
	RequestedBy string                `json:"requested_by,omitempty"`
	Products    []market.ProductInput `json:"products"`
}

func NewImportProductsTask(p ImportProductsPayload) (*asynq.Task, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal import payload: %w", err)
	}
	return asynq.NewTask(TaskImportProducts, b), nil
}
