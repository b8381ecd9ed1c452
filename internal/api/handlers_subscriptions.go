package api

import (
	"net/http"
	"strings"
	"time"

	"taskpanel/internal/core"
	"taskpanel/internal/engine"
	"taskpanel/internal/store"

	"github.com/go-chi/chi/v5"
)

type pullOptionRequest struct {
	PrivateKey string `json:"private_key"`
	Username   string `json:"username"`
	Password   string `json:"password"`
}

type subscriptionRequest struct {
	Name             *string               `json:"name"`
	Alias            string                `json:"alias"`
	Type             core.SubscriptionType `json:"type"`
	ScheduleType     core.ScheduleType     `json:"schedule_type"`
	Schedule         string                `json:"schedule"`
	IntervalSchedule core.IntervalSchedule `json:"interval_schedule"`
	URL              string                `json:"url"`
	PullType         core.PullType         `json:"pull_type"`
	PullOption       pullOptionRequest     `json:"pull_option"`
	Branch           string                `json:"branch"`
	Whitelist        string                `json:"whitelist"`
	Blacklist        string                `json:"blacklist"`
	Dependences      string                `json:"dependences"`
	Extensions       string                `json:"extensions"`
	SubBefore        string                `json:"sub_before"`
	SubAfter         string                `json:"sub_after"`
	Labels           []string              `json:"labels"`
}

type subscriptionResponse struct {
	ID                string                 `json:"id"`
	Name              *string                `json:"name,omitempty"`
	Alias             string                 `json:"alias"`
	Type              string                 `json:"type"`
	ScheduleType      string                 `json:"schedule_type"`
	Schedule          string                 `json:"schedule,omitempty"`
	IntervalSchedule  *core.IntervalSchedule `json:"interval_schedule,omitempty"`
	URL               string                 `json:"url"`
	PullType          string                 `json:"pull_type,omitempty"`
	Branch            string                 `json:"branch"`
	Whitelist         string                 `json:"whitelist"`
	Blacklist         string                 `json:"blacklist"`
	Dependences       string                 `json:"dependences"`
	Extensions        string                 `json:"extensions"`
	SubBefore         string                 `json:"sub_before"`
	SubAfter          string                 `json:"sub_after"`
	Status            string                 `json:"status"`
	PID               *int                   `json:"pid,omitempty"`
	LogPath           *string                `json:"log_path,omitempty"`
	IsDisabled        bool                   `json:"is_disabled"`
	Labels            []string               `json:"labels"`
	LastRunningTime   int64                  `json:"last_running_time"`
	LastExecutionTime *string                `json:"last_execution_time,omitempty"`
	CreatedAt         string                 `json:"created_at"`
	UpdatedAt         string                 `json:"updated_at"`
}

// apply validates req and copies its definition fields onto sub.
func (req *subscriptionRequest) apply(w http.ResponseWriter, sub *core.Subscription) bool {
	fail := func(msg string) bool {
		writeError(w, http.StatusBadRequest, "invalid_input", msg)
		return false
	}
	req.Alias = strings.TrimSpace(req.Alias)
	req.URL = strings.TrimSpace(req.URL)
	if err := engine.ValidateAlias(req.Alias); err != nil {
		return fail(err.Error())
	}
	if req.URL == "" {
		return fail("url is required")
	}
	switch req.Type {
	case core.SubscriptionPublicRepo, core.SubscriptionPrivateRepo, core.SubscriptionFile:
	default:
		return fail("type must be public-repo, private-repo or file")
	}
	switch req.ScheduleType {
	case core.ScheduleCrontab:
		if _, err := core.ParseCron(req.Schedule); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_cron", err.Error())
			return false
		}
	case core.ScheduleInterval:
		if _, err := req.IntervalSchedule.Duration(); err != nil {
			return fail(err.Error())
		}
	default:
		return fail("schedule_type must be crontab or interval")
	}

	sub.Name = trimmedPtr(req.Name)
	sub.Alias = req.Alias
	sub.Type = req.Type
	sub.ScheduleType = req.ScheduleType
	sub.Schedule = strings.TrimSpace(req.Schedule)
	sub.Interval = req.IntervalSchedule
	sub.URL = req.URL
	sub.PullType = req.PullType
	sub.PullOption = core.PullOption(req.PullOption)
	sub.Branch = req.Branch
	sub.Whitelist = req.Whitelist
	sub.Blacklist = req.Blacklist
	sub.Dependences = req.Dependences
	sub.Extensions = req.Extensions
	sub.SubBefore = req.SubBefore
	sub.SubAfter = req.SubAfter
	sub.Labels = req.Labels

	if _, _, err := engine.SubscriptionURL(sub); err != nil {
		return fail(err.Error())
	}
	return true
}

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sub := &core.Subscription{}
	if !req.apply(w, sub) {
		return
	}
	if err := s.svc.Store.InsertSubscription(r.Context(), sub); err != nil {
		s.internalError(w, "insert subscription", err)
		return
	}
	if err := s.svc.Subscriptions.Register(r.Context(), sub); err != nil {
		s.logger.Error("schedule subscription", "subscription_id", sub.ID, "err", err)
	}
	writeJSON(w, http.StatusCreated, subscriptionToResponse(sub))
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.svc.Store.ListSubscriptions(r.Context(), r.URL.Query().Get("search"))
	if err != nil {
		s.internalError(w, "list subscriptions", err)
		return
	}
	res := make([]subscriptionResponse, 0, len(subs))
	for _, sub := range subs {
		res = append(res, subscriptionToResponse(sub))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "subscriptionID")
	sub, err := s.svc.Store.GetSubscription(r.Context(), id)
	if err != nil {
		s.lookupFailed(w, err, store.ErrSubscriptionNotFound, "subscription", id)
		return
	}
	writeJSON(w, http.StatusOK, subscriptionToResponse(sub))
}

func (s *Server) handleUpdateSubscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "subscriptionID")
	sub, err := s.svc.Store.GetSubscription(r.Context(), id)
	if err != nil {
		s.lookupFailed(w, err, store.ErrSubscriptionNotFound, "subscription", id)
		return
	}
	previous := *sub
	var req subscriptionRequest
	if !decodeJSON(w, r, &req) || !req.apply(w, sub) {
		return
	}
	if err := s.svc.Store.UpdateSubscription(r.Context(), sub); err != nil {
		s.lookupFailed(w, err, store.ErrSubscriptionNotFound, "subscription", id)
		return
	}
	// Drop the old trigger and key first; the alias may have changed.
	s.svc.Subscriptions.Remove([]*core.Subscription{&previous})
	if err := s.svc.Subscriptions.Register(r.Context(), sub); err != nil {
		s.logger.Error("reschedule subscription", "subscription_id", sub.ID, "err", err)
	}
	writeJSON(w, http.StatusOK, subscriptionToResponse(sub))
}

func (s *Server) handleDeleteSubscriptions(w http.ResponseWriter, r *http.Request) {
	ids, ok := decodeIDs(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	subs, err := s.svc.Store.GetSubscriptions(ctx, ids)
	if err != nil {
		s.internalError(w, "load subscriptions", err)
		return
	}
	if err := s.svc.Subscriptions.Stop(ctx, ids); err != nil {
		s.logger.Warn("stop subscriptions before delete", "err", err)
	}
	s.svc.Subscriptions.Remove(subs)
	if err := s.svc.Store.DeleteSubscriptions(ctx, ids); err != nil {
		s.internalError(w, "delete subscriptions", err)
		return
	}
	for _, sub := range subs {
		if err := s.svc.Logs.Remove(sub.Alias); err != nil {
			s.logger.Warn("remove subscription logs", "subscription_id", sub.ID, "err", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunSubscriptions(w http.ResponseWriter, r *http.Request) {
	s.bulk(w, r, "run subscriptions", s.svc.Subscriptions.RunNow)
}

func (s *Server) handleStopSubscriptions(w http.ResponseWriter, r *http.Request) {
	s.bulk(w, r, "stop subscriptions", s.svc.Subscriptions.Stop)
}

func (s *Server) handleEnableSubscriptions(w http.ResponseWriter, r *http.Request) {
	s.bulk(w, r, "enable subscriptions", s.svc.Subscriptions.Enable)
}

func (s *Server) handleDisableSubscriptions(w http.ResponseWriter, r *http.Request) {
	s.bulk(w, r, "disable subscriptions", s.svc.Subscriptions.Disable)
}

func (s *Server) handleSubscriptionLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "subscriptionID")
	content, err := s.svc.Subscriptions.LatestLog(r.Context(), id)
	if err != nil {
		s.lookupFailed(w, err, store.ErrSubscriptionNotFound, "subscription", id)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(content))
}

// subscriptionToResponse leaves out credentials.
func subscriptionToResponse(sub *core.Subscription) subscriptionResponse {
	var interval *core.IntervalSchedule
	if sub.ScheduleType == core.ScheduleInterval {
		iv := sub.Interval
		interval = &iv
	}
	labels := sub.Labels
	if labels == nil {
		labels = []string{}
	}
	return subscriptionResponse{
		ID:                sub.ID,
		Name:              sub.Name,
		Alias:             sub.Alias,
		Type:              string(sub.Type),
		ScheduleType:      string(sub.ScheduleType),
		Schedule:          sub.Schedule,
		IntervalSchedule:  interval,
		URL:               sub.URL,
		PullType:          string(sub.PullType),
		Branch:            sub.Branch,
		Whitelist:         sub.Whitelist,
		Blacklist:         sub.Blacklist,
		Dependences:       sub.Dependences,
		Extensions:        sub.Extensions,
		SubBefore:         sub.SubBefore,
		SubAfter:          sub.SubAfter,
		Status:            string(sub.Status),
		PID:               sub.PID,
		LogPath:           sub.LogPath,
		IsDisabled:        sub.IsDisabled,
		Labels:            labels,
		LastRunningTime:   sub.LastRunDurationSeconds,
		LastExecutionTime: unixPtr(sub.LastExecutionTime),
		CreatedAt:         sub.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:         sub.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
