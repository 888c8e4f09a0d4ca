package engine

import (
	"context"
	"errors"
	"fmt"

	"pageinsight/api/logger"
	"pageinsight/api/models"
	"pageinsight/api/store"
	"pageinsight/api/utils"
)

// resolveSession returns the page and the session for (token, page),
// creating the session on first sight.
func (e *Engine) resolveSession(ctx context.Context, in Input) (*models.Page, *models.VisitSession, bool, error) {
	page, err := e.store.PageBySlug(ctx, in.PageSlug)
	if err != nil {
		return nil, nil, false, err
	}
	if !page.IsActive {
		return nil, nil, false, fmt.Errorf("page %q is inactive: %w", page.Slug, models.ErrNotFound)
	}

	variantID, err := e.resolveVariant(ctx, page, in.VariantKey)
	if err != nil {
		return nil, nil, false, err
	}

	ipHash, err := utils.HashIP(in.ClientIP, e.ipSalt)
	if err != nil {
		return nil, nil, false, fmt.Errorf("hash client ip: %w", err)
	}

	utm := in.UTM
	if len(utm) == 0 {
		utm = models.Payload(utils.UTMFromURL(in.LandingURL))
	}

	sess, created, err := e.store.GetOrCreateSession(ctx, store.SessionRequest{
		SessionKey: in.SessionToken,
		PageID:     page.ID,
		VariantID:  variantID,
		StartedAt:  in.OccurredAt,
		Referrer:   utils.Truncate(in.Referrer, models.MaxReferrerLen),
		LandingURL: utils.Truncate(in.LandingURL, models.MaxLandingURLLen),
		UTM:        utm,
		UserAgent:  utils.Truncate(in.UserAgent, models.MaxUserAgentLen),
		IPHash:     ipHash,
		Viewport:   in.Viewport,
	})
	if err != nil {
		return nil, nil, false, err
	}
	if created {
		e.log.Info("Session created",
			logger.Int64("session_id", sess.ID),
			logger.String("page", page.Slug),
			logger.Bool("has_variant", sess.VariantID != nil),
		)
	}
	return page, sess, created, nil
}

// resolveVariant maps an optional variant key to an id. An unknown or
// inactive variant leaves the session unattributed rather than failing.
func (e *Engine) resolveVariant(ctx context.Context, page *models.Page, key string) (*int64, error) {
	if key == "" {
		return nil, nil
	}
	v, err := e.store.VariantByKey(ctx, page.ID, key)
	switch {
	case errors.Is(err, models.ErrNotFound):
		e.log.Debug("Unknown variant", logger.String("page", page.Slug), logger.String("variant", key))
		return nil, nil
	case err != nil:
		return nil, err
	case !v.IsActive:
		e.log.Debug("Inactive variant", logger.String("page", page.Slug), logger.String("variant", key))
		return nil, nil
	}
	return &v.ID, nil
}
