package probe

import (
	"context"

	"github.com/lineopthq/optimizer/pkg/types"
)

// Transport performs a single probe through the measurement service.
// Implementations own every protocol detail; callers only see canonical
// measurements. A failed probe returns the canonical failure record
// alongside the error so the caller always has data to aggregate.
type Transport interface {
	ProbePing(ctx context.Context, ip, nodeID string) (types.RawMeasurement, error)
	ProbeHTTP(ctx context.Context, ip string, origin types.Origin) (types.HTTPMeasurement, error)
}
