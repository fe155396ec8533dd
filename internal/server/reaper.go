package server

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"pact/internal/docstore"
	"pact/internal/domain"
)

// reaperGrace is how long past its deadline an active contract may stay
// unverified.
const reaperGrace = time.Hour

const reapedReason = "Deadline exceeded without verification. Auto-Reaped."

// Reap fails every active contract whose deadline passed more than the grace
// period ago, burning stake through the same gate as a failed verification.
func (s *Server) Reap(ctx context.Context) (ReaperResponse, error) {
	ctx, span := s.tracer.Start(ctx, "reaper_job")
	res := ReaperResponse{Status: "success", Details: []string{}}

	var docs []docstore.Document
	err := s.store.RunInTx(ctx, func(tx *docstore.Tx) error {
		var err error
		docs, err = tx.Where(ctx, docstore.Contracts, "status", string(domain.StatusActive))
		return err
	})
	if err != nil {
		endSpan(span, err)
		return ReaperResponse{}, err
	}

	cutoff := s.now().Add(-reaperGrace)
	for _, d := range docs {
		c, err := domain.DecodeContract(d.ID, d.Data)
		if err != nil {
			s.log.Warn("reaper skipping malformed contract", zap.String("id", d.ID), zap.Error(err))
			continue
		}
		if !c.Deadline.Valid() || !c.Deadline.Before(cutoff) {
			continue
		}
		uid := c.OwnerID
		if uid == "" {
			uid = d.OwnerID
		}
		if uid == "" {
			s.log.Warn("reaper skipping ownerless contract", zap.String("id", d.ID))
			continue
		}
		if err := s.reapOne(ctx, uid, c); err != nil {
			s.log.Error("reap failed", zap.String("contract_id", c.ID), zap.String("user_id", uid), zap.Error(err))
			continue
		}
		res.Processed++
		res.Details = append(res.Details, fmt.Sprintf("Reaped %s for user %s", c.ID, uid))
	}
	endSpan(span, nil)
	if res.Processed > 0 {
		s.log.Info("reaper finished", zap.Int("processed", res.Processed))
	}
	return res, nil
}

func (s *Server) reapOne(ctx context.Context, uid string, c domain.Contract) error {
	v := domain.Verification{
		Status:        domain.VerificationFailure,
		Confidence:    1.0,
		FailureReason: reapedReason,
		Reasoning:     reapedReason,
	}
	audit := s.detect.Evaluate(c, v)
	if audit.Verdict == domain.AuditAllow {
		s.log.Info("enforcement", zap.String("contract_id", c.ID), zap.String("line", s.adapt.Enforce(c, audit)))
	}
	now := s.now().UTC().Format(time.RFC3339Nano)
	return s.store.RunInTx(ctx, func(tx *docstore.Tx) error {
		stake, err := applyStake(ctx, tx, uid, v, now)
		if err != nil {
			return err
		}
		if err := bumpUserStat(ctx, tx, uid, "contracts_failed"); err != nil {
			return err
		}
		s.log.Debug("reaper stake", zap.String("contract_id", c.ID), zap.String("action", stake.Action))
		return tx.Update(ctx, docstore.Contracts, c.ID, map[string]any{
			"status":    string(domain.StatusFailed),
			"reaped_at": now,
		})
	})
}

// runReaper reaps on a fixed interval until ctx ends.
func (s *Server) runReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.Reap(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("scheduled reap failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
