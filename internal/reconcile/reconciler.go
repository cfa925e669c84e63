package reconcile

import (
	"context"
	"fmt"

	"conversation-realtime/internal/models"
)

// Fetcher is the read side of the message store used for catch-up.
type Fetcher interface {
	FetchSince(ctx context.Context, conversationID string, since models.Watermark, limit int) ([]models.Message, error)
	LatestMessage(ctx context.Context, conversationID string) (*models.Message, error)
}

// Reconciler computes the messages a socket missed while disconnected.
type Reconciler struct {
	store    Fetcher
	pageSize int
	maxPages int
}

func NewReconciler(store Fetcher, pageSize, maxPages int) *Reconciler {
	if pageSize <= 0 {
		pageSize = 50
	}
	if maxPages <= 0 {
		maxPages = 10
	}
	return &Reconciler{store: store, pageSize: pageSize, maxPages: maxPages}
}

// Missed returns messages strictly after since in creation order. truncated is
// set when the page cap stopped the scan before the end of the conversation.
func (r *Reconciler) Missed(ctx context.Context, conversationID string, since models.Watermark) ([]models.Message, bool, error) {
	latest, err := r.store.LatestMessage(ctx, conversationID)
	if err != nil {
		return nil, false, fmt.Errorf("latest message: %w", err)
	}
	if latest == nil || !since.Before(latest.Watermark()) {
		return nil, false, nil
	}

	var missed []models.Message
	cursor := since
	for page := 0; page < r.maxPages; page++ {
		batch, err := r.store.FetchSince(ctx, conversationID, cursor, r.pageSize)
		if err != nil {
			return missed, false, fmt.Errorf("fetch since: %w", err)
		}
		missed = append(missed, batch...)
		if len(batch) < r.pageSize {
			return missed, false, nil
		}
		cursor = batch[len(batch)-1].Watermark()
	}
	return missed, true, nil
}
