package calendar

import (
	"context"
	"fmt"
	"time"

	"calsync/core/domain"
	"calsync/core/port/in"
	"calsync/core/port/out"
	"calsync/pkg/logger"
)

// FlowService accepts automation-flow pushes. A delivery replaces the stored
// payload and is reconciled right away; redelivery is idempotent.
type FlowService struct {
	sources    out.SourceRepository
	inbox      out.FlowInbox
	normalizer out.FlowPayloadNormalizer
	sync       in.SyncUseCase
	now        func() time.Time
}

func NewFlowService(sources out.SourceRepository, inbox out.FlowInbox, normalizer out.FlowPayloadNormalizer, sync in.SyncUseCase) *FlowService {
	return &FlowService{
		sources:    sources,
		inbox:      inbox,
		normalizer: normalizer,
		sync:       sync,
		now:        time.Now,
	}
}

var _ in.FlowIngestUseCase = (*FlowService)(nil)

func (s *FlowService) Ingest(ctx context.Context, req *in.FlowIngestRequest) (*domain.SyncResult, error) {
	if req.UserID == "" {
		return nil, domain.ErrMissingUserID
	}

	src, err := s.sources.GetSource(ctx, req.UserID, req.SourceID)
	if err != nil {
		return nil, err
	}
	if src.Provider != domain.ProviderAutomationFlow {
		return nil, fmt.Errorf("%w: source %s is %s, not %s", domain.ErrSourceNotFound, src.ID, src.Provider, domain.ProviderAutomationFlow)
	}

	payload, items, err := s.normalizer.NormalizePayload(req.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err)
	}

	if err := s.inbox.Store(ctx, &out.FlowDelivery{
		UserID:     req.UserID,
		SourceID:   src.ID,
		Payload:    payload,
		ReceivedAt: s.now(),
	}); err != nil {
		return nil, fmt.Errorf("failed to store flow delivery: %w", err)
	}
	logger.Info("[FlowService.Ingest] user=%s source=%s items=%d", req.UserID, src.ID, items)

	return s.sync.Sync(ctx, &in.SyncRequest{
		UserID:           req.UserID,
		ProviderSourceID: src.ID,
		ForceRefresh:     true,
	})
}
