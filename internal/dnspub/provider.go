package dnspub

import (
	"context"

	"github.com/lineopthq/optimizer/pkg/types"
)

// Record is one DNS record as the provider reports it. Line carries the
// canonical name; vendor line codes never leave the provider.
type Record struct {
	ID    string
	Value string
	Type  string
	Line  types.Line
	TTL   int
}

// Provider manages resolution-line-aware DNS records. Implementations
// translate canonical line names to whatever codes the vendor expects.
type Provider interface {
	ListRecords(ctx context.Context, domain, sub, recordType string) ([]Record, error)
	CreateRecord(ctx context.Context, domain, sub, value, recordType string, line types.Line, ttl int) (string, error)
	DeleteRecord(ctx context.Context, domain, id string) error
}
