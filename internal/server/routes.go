package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"pact/internal/docstore"
	"pact/internal/domain"
)

const (
	feedLimit        = 20
	leaderboardLimit = 10
	traceLimit       = 10
)

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func (s *Server) registerNegotiate(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "negotiate",
		Method:      http.MethodPost,
		Path:        "/negotiate",
		Summary:     "Turn a goal prompt into a contract draft",
	}, func(ctx context.Context, input *struct {
		Body NegotiateRequest
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		ctx, span := s.tracer.Start(ctx, "contract_agent")
		c, err := s.negotiator.Negotiate(input.Body.GoalText)
		endSpan(span, err)
		if err != nil {
			return nil, handleError(err)
		}
		body, err := contractBody(c)
		if err != nil {
			return nil, handleError(err)
		}
		s.log.Info("contract negotiated", zap.String("goal_type", c.GoalType), zap.String("penalty", string(c.Penalty.Type)), zap.String("trace_id", traceID(ctx)))
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: body}, nil
	})
}

func (s *Server) registerCommit(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "commit",
		Method:      http.MethodPost,
		Path:        "/commit",
		Summary:     "Sign a contract for the calling user",
		Security:    bearerSecurity,
	}, func(ctx context.Context, input *struct {
		RawBody []byte
	}) (*struct {
		Body CommitResponse
	}, error) {
		principal, herr := requirePrincipal(ctx)
		if herr != nil {
			return nil, herr
		}
		c, err := domain.DecodeContract("", input.RawBody)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid contract body", map[string]any{"error": err.Error()})
		}
		if strings.TrimSpace(c.GoalDescription) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "goal_description required", nil)
		}
		fields, err := contractBody(c)
		if err != nil {
			return nil, handleError(err)
		}
		delete(fields, "id")
		delete(fields, "created_at")
		fields["user_id"] = principal.UID
		fields["status"] = string(domain.StatusActive)
		now := s.now().UTC().Format(time.RFC3339Nano)

		var id string
		err = s.store.RunInTx(ctx, func(tx *docstore.Tx) error {
			profile := map[string]any{"uid": principal.UID, "last_login_at": now, "updated_at": now}
			if principal.Email != "" {
				profile["email"] = principal.Email
			}
			if principal.DisplayName != "" {
				profile["display_name"] = principal.DisplayName
			}
			if principal.PhotoURL != "" {
				profile["photo_url"] = principal.PhotoURL
			}
			if err := tx.Set(ctx, docstore.Users, principal.UID, principal.UID, profile, true); err != nil {
				return err
			}
			if err := bumpUserStat(ctx, tx, principal.UID, "total_contracts_signed"); err != nil {
				return err
			}
			var err error
			id, err = tx.Create(ctx, docstore.Contracts, principal.UID, fields)
			return err
		})
		if err != nil {
			s.log.Error("commit failed", zap.String("user_id", principal.UID), zap.Error(err))
			return nil, handleError(fmt.Errorf("commit failed: %w", err))
		}
		s.log.Info("contract committed", zap.String("user_id", principal.UID), zap.String("contract_id", id))
		return &struct {
			Body CommitResponse
		}{Body: CommitResponse{Status: "success", ContractID: id}}, nil
	})
}

func (s *Server) registerVerify(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "verify",
		Method:      http.MethodPost,
		Path:        "/verify",
		Summary:     "Verify evidence and enforce the contract outcome",
		Security:    bearerSecurity,
	}, func(ctx context.Context, input *struct {
		RawBody []byte
	}) (*struct {
		Body VerifyResponse
	}, error) {
		principal, herr := requirePrincipal(ctx)
		if herr != nil {
			return nil, herr
		}
		var payload verifyPayload
		if err := json.Unmarshal(input.RawBody, &payload); err != nil || len(payload.Contract) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid verify body", nil)
		}
		if payload.UserID != "" && payload.UserID != principal.UID {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "user_id does not match the token", nil)
		}
		contract, err := domain.DecodeContract("", payload.Contract)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid contract", map[string]any{"error": err.Error()})
		}
		resp, err := s.verify(ctx, principal.UID, contract, payload)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VerifyResponse
		}{Body: resp}, nil
	})
}

// verify runs the agent pipeline: verify, stats, detect, adapt, stake and
// the public feed item.
func (s *Server) verify(ctx context.Context, uid string, c domain.Contract, p verifyPayload) (resp VerifyResponse, err error) {
	ctx, root := s.tracer.Start(ctx, "pact_verification_flow")
	defer func() { endSpan(root, err) }()
	resp.TraceID = traceID(ctx)

	_, span := s.tracer.Start(ctx, "verify_agent")
	v := s.verifier.Verify(c, p.TextEvidence, p.ImageURL)
	span.SetAttributes(attribute.String("status", string(v.Status)), attribute.Float64("confidence", v.Confidence))
	span.End()
	resp.Verification = v

	if err := s.store.RunInTx(ctx, func(tx *docstore.Tx) error {
		return s.recordOutcome(ctx, tx, uid, c, v.Status)
	}); err != nil {
		s.log.Warn("stats update failed", zap.String("user_id", uid), zap.Error(err))
	}

	_, span = s.tracer.Start(ctx, "detect_agent")
	resp.Audit = s.detect.Evaluate(c, v)
	span.SetAttributes(attribute.String("verdict", string(resp.Audit.Verdict)))
	span.End()

	if resp.Audit.Verdict == domain.AuditAllow {
		_, span = s.tracer.Start(ctx, "adapt_agent")
		line := s.adapt.Enforce(c, resp.Audit)
		span.End()
		resp.Enforcement = &line
	}

	now := s.now().UTC().Format(time.RFC3339Nano)
	_, span = s.tracer.Start(ctx, "stake_manager")
	var stake stakeResult
	stakeErr := s.store.RunInTx(ctx, func(tx *docstore.Tx) error {
		var err error
		stake, err = applyStake(ctx, tx, uid, v, now)
		return err
	})
	endSpan(span, stakeErr)
	if stakeErr != nil {
		s.log.Error("stake update failed", zap.String("user_id", uid), zap.Error(stakeErr))
		stake = stakeResult{Error: stakeErr.Error()}
	}
	resp.StakeUpdate = &stake

	if v.Status != domain.VerificationUncertain && c.IsPublic {
		if err := s.postFeedItem(ctx, uid, c, v, p.TextEvidence, now); err != nil {
			s.log.Warn("feed item failed", zap.String("user_id", uid), zap.Error(err))
		}
	}
	s.log.Info("verification finished",
		zap.String("user_id", uid),
		zap.String("contract_id", c.ID),
		zap.String("status", string(v.Status)),
		zap.String("audit", string(resp.Audit.Verdict)),
		zap.String("stake", stake.Action))
	return resp, nil
}

// recordOutcome counts the result on the user's stats and settles the
// contract status when the caller owns it.
func (s *Server) recordOutcome(ctx context.Context, tx *docstore.Tx, uid string, c domain.Contract, status domain.VerificationStatus) error {
	var (
		stat      string
		newStatus domain.ContractStatus
	)
	switch status {
	case domain.VerificationSuccess:
		stat, newStatus = "contracts_completed", domain.StatusCompleted
	case domain.VerificationFailure:
		stat, newStatus = "contracts_failed", domain.StatusFailed
	default:
		return nil
	}
	if err := bumpUserStat(ctx, tx, uid, stat); err != nil {
		return err
	}
	if c.ID == "" {
		return nil
	}
	doc, err := tx.Get(ctx, docstore.Contracts, c.ID)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if doc.OwnerID != uid {
		return nil
	}
	return tx.Update(ctx, docstore.Contracts, c.ID, map[string]any{
		"status":      string(newStatus),
		"verified_at": s.now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) postFeedItem(ctx context.Context, uid string, c domain.Contract, v domain.Verification, evidence, now string) error {
	return s.store.RunInTx(ctx, func(tx *docstore.Tx) error {
		var profile domain.UserProfile
		if doc, err := tx.Get(ctx, docstore.Users, uid); err == nil {
			_ = doc.Decode(&profile)
		}
		name := profile.DisplayName
		if name == "" {
			name = "Anonymous Agent"
		}
		summary := strings.TrimSpace(evidence)
		if summary == "" {
			summary = "Evidence verified by AI."
		}
		delta := 5.0
		if v.Status != domain.VerificationSuccess {
			delta = -10
		}
		_, err := tx.Create(ctx, docstore.Feed, uid, map[string]any{
			"type":              "verification",
			"user_id":           uid,
			"user_name":         name,
			"user_photo":        profile.PhotoURL,
			"goal_description":  c.Goal(),
			"status":            string(v.Status),
			"timestamp":         now,
			"evidence_summary":  summary,
			"trust_score_delta": delta,
		})
		return err
	})
}

func (s *Server) registerCommunity(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "feed",
		Method:      http.MethodGet,
		Path:        "/feed",
		Summary:     "Most recent public verification events",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.FeedItem
	}, error) {
		docs, err := s.store.All(ctx, docstore.Feed)
		if err != nil {
			return nil, handleError(err)
		}
		items := make([]domain.FeedItem, 0, len(docs))
		for i := len(docs) - 1; i >= 0 && len(items) < feedLimit; i-- {
			var item domain.FeedItem
			if err := docs[i].Decode(&item); err != nil {
				s.log.Warn("skipping malformed feed item", zap.String("id", docs[i].ID), zap.Error(err))
				continue
			}
			item.ID = docs[i].ID
			items = append(items, item)
		}
		return &struct {
			Body []domain.FeedItem
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "leaderboard",
		Method:      http.MethodGet,
		Path:        "/leaderboard",
		Summary:     "Top users by completed contracts",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.LeaderboardUser
	}, error) {
		docs, err := s.store.All(ctx, docstore.Users)
		if err != nil {
			return nil, handleError(err)
		}
		users := make([]domain.LeaderboardUser, 0, len(docs))
		for _, d := range docs {
			var p domain.UserProfile
			if err := d.Decode(&p); err != nil {
				continue
			}
			name := p.DisplayName
			if name == "" {
				name = "Anonymous Agent"
			}
			users = append(users, domain.LeaderboardUser{
				UserID:             d.ID,
				DisplayName:        name,
				PhotoURL:           p.PhotoURL,
				TrustScore:         trustScore(p.Stats),
				ContractsCompleted: p.Stats.ContractsCompleted,
			})
		}
		sort.SliceStable(users, func(i, j int) bool {
			if users[i].ContractsCompleted != users[j].ContractsCompleted {
				return users[i].ContractsCompleted > users[j].ContractsCompleted
			}
			return users[i].TrustScore > users[j].TrustScore
		})
		if len(users) > leaderboardLimit {
			users = users[:leaderboardLimit]
		}
		return &struct {
			Body []domain.LeaderboardUser
		}{Body: users}, nil
	})
}

// trustScore starts every user at 50 and moves it by the feed deltas,
// clamped to 0..100.
func trustScore(st domain.UserStats) float64 {
	score := 50 + 5*float64(st.ContractsCompleted) - 10*float64(st.ContractsFailed)
	switch {
	case score < 0:
		return 0
	case score > 100:
		return 100
	}
	return score
}

func (s *Server) registerTelemetry(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "telemetry-stats",
		Method:      http.MethodGet,
		Path:        "/opik/stats",
		Summary:     "Aggregate agent trace statistics",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.TelemetryStats
	}, error) {
		return &struct {
			Body domain.TelemetryStats
		}{Body: s.traces.Stats()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "telemetry-traces",
		Method:      http.MethodGet,
		Path:        "/opik/traces",
		Summary:     "Recent agent traces",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.TraceSummary
	}, error) {
		return &struct {
			Body []domain.TraceSummary
		}{Body: s.traces.Recent(traceLimit)}, nil
	})
}

func (s *Server) registerReaper(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "cron-reaper",
		Method:      http.MethodGet,
		Path:        "/cron/reaper",
		Summary:     "Fail expired active contracts",
		Security:    bearerSecurity,
	}, func(ctx context.Context, input *struct {
		Authorization string `header:"Authorization"`
	}) (*struct {
		Body ReaperResponse
	}, error) {
		if !cronAuthorized(s.auth.CronSecret, input.Authorization) {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "unauthorized cron", nil)
		}
		res, err := s.Reap(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReaperResponse
		}{Body: res}, nil
	})
}

// registerEvidence mounts the multipart upload and the local file route on
// the plain router.
func (s *Server) registerEvidence(r chi.Router) {
	r.Post("/upload_evidence", func(w http.ResponseWriter, req *http.Request) {
		req.Body = http.MaxBytesReader(w, req.Body, maxEvidenceBytes+1<<20)
		file, hdr, err := req.FormFile("file")
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "multipart field file required", nil))
			return
		}
		defer file.Close()
		data, err := readEvidence(file)
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusRequestEntityTooLarge, "too_large", err.Error(), nil))
			return
		}
		key := evidenceKey(hdr.Filename)
		if err := s.blobs.Put(req.Context(), key, hdr.Header.Get("Content-Type"), data); err != nil {
			s.log.Error("evidence upload failed", zap.String("key", key), zap.Error(err))
			respondStatusError(w, newAPIError(http.StatusBadGateway, "storage_failed", "evidence storage failed", nil))
			return
		}
		s.log.Info("evidence stored", zap.String("key", key), zap.Int("bytes", len(data)))
		writeJSON(w, http.StatusOK, UploadResponse{URL: s.blobs.URL(key, requestBase(req))})
	})

	local, ok := s.blobs.(LocalBlobs)
	if !ok {
		return
	}
	r.Get("/evidence/{name}", func(w http.ResponseWriter, req *http.Request) {
		f, err := local.Open(chi.URLParam(req, "name"))
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusNotFound, "not_found", "evidence not found", nil))
			return
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		http.ServeContent(w, req, info.Name(), info.ModTime(), f)
	})
}
