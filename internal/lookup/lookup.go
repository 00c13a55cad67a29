// Package lookup resolves scanned identifiers into asset metadata.
package lookup

import (
	"context"
	"errors"

	"github.com/iudanet/benchkeeper/internal/models"
)

// ErrNotFound справочник не знает такой тег или серийный номер
var ErrNotFound = errors.New("asset not found in lookup")

// Lookup resolves an asset tag or a serial number. Implementations never
// report site or status, only descriptive metadata.
type Lookup interface {
	Lookup(ctx context.Context, tagOrSerial string) (*models.AssetMetadata, error)
}

// Func adapts a function to Lookup
type Func func(ctx context.Context, tagOrSerial string) (*models.AssetMetadata, error)

// Lookup calls f
func (f Func) Lookup(ctx context.Context, tagOrSerial string) (*models.AssetMetadata, error) {
	return f(ctx, tagOrSerial)
}

// None is used when no lookup source is configured
var None Lookup = Func(func(context.Context, string) (*models.AssetMetadata, error) {
	return nil, ErrNotFound
})
