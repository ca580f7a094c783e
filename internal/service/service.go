// Package service holds the conversation engine: unread counting, keyword search,
// message send fan-out, conversation aggregation and the outbox task processor.
package service

import (
	"time"

	"github.com/chirino/conversation-service/internal/config"
	registrycache "github.com/chirino/conversation-service/internal/registry/cache"
	registrystore "github.com/chirino/conversation-service/internal/registry/store"
)

// Service exposes the conversation operations over a Store.
type Service struct {
	store        registrystore.Store
	receipts     registrycache.SendReceiptCache
	maxAttempts  int
	backoff      time.Duration
	revokeWindow time.Duration
	receiptTTL   time.Duration
	now          func() time.Time
}

// New creates a Service. receipts may be nil when no send-receipt cache is configured.
func New(store registrystore.Store, receipts registrycache.SendReceiptCache, cfg *config.Config) *Service {
	if cfg == nil {
		def := config.DefaultConfig()
		cfg = &def
	}
	maxAttempts := cfg.SendMaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Service{
		store:        store,
		receipts:     receipts,
		maxAttempts:  maxAttempts,
		backoff:      cfg.SendRetryBackoff,
		revokeWindow: cfg.RevokeWindow(),
		receiptTTL:   cfg.CacheTTL,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) receiptsEnabled() bool {
	return s.receipts != nil && s.receipts.Available()
}
