// Package service implements upstream selection and failover between two upstreams.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"failover-proxy-go/internal/client"
	"failover-proxy-go/internal/config"
	"failover-proxy-go/internal/metrics"
	"failover-proxy-go/internal/model"
)

// ErrMisconfigured is returned when either upstream origin is missing.
var ErrMisconfigured = errors.New("SERVICE_1 and SERVICE_2 must be set")

// UpstreamStatusError marks a primary response that was discarded because of
// its 5xx status.
type UpstreamStatusError struct {
	Status int
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream returned %d %s", e.Status, http.StatusText(e.Status))
}

// BothFailedError is returned when the primary failed and the backup produced
// no response either.
type BothFailedError struct {
	Primary model.Attempt
	Backup  model.Attempt
}

func (e *BothFailedError) Error() string {
	return fmt.Sprintf("both upstreams failed: primary %s: %s; backup %s: %s",
		e.Primary.Target, e.Primary.Describe(), e.Backup.Target, e.Backup.Describe())
}

func (e *BothFailedError) Unwrap() []error {
	return []error{e.Primary.Err, e.Backup.Err}
}

// Forwarder sends one request to one upstream and returns the response with
// its body unread.
type Forwarder interface {
	Forward(ctx context.Context, target *url.URL, method string, header http.Header, body []byte) (*model.ProxyResponse, error)
}

// FailoverService dispatches each request to a randomly chosen primary
// upstream and falls back to the other one at most once.
type FailoverService struct {
	forwarder Forwarder
	upstream  config.UpstreamConfig
	logger    *slog.Logger
	metrics   *metrics.Metrics

	// pick returns an index in [0, n). Replaced in tests.
	pick func(n int) int
}

// NewFailoverService creates a FailoverService. The metrics parameter is
// optional; pass nil to disable attempt metrics.
func NewFailoverService(fw Forwarder, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *FailoverService {
	return &FailoverService{
		forwarder: fw,
		upstream:  cfg.Upstream,
		logger:    logger.With("component", "failover_service"),
		metrics:   m,
		pick:      rand.Intn,
	}
}

// CheckConfigured returns ErrMisconfigured unless both upstreams are set.
func (s *FailoverService) CheckConfigured() error {
	if !s.upstream.Configured() {
		return ErrMisconfigured
	}
	return nil
}

// Dispatch forwards pr to the primary upstream and, if that fails or answers
// with a 5xx status, to the backup. The backup's response is final whatever
// its status. The caller is responsible for closing the response body.
//
// Errors: ErrMisconfigured before any attempt, *BothFailedError when neither
// upstream returned a response.
func (s *FailoverService) Dispatch(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	if err := s.CheckConfigured(); err != nil {
		return nil, err
	}

	origins := s.upstream.Origins()
	i := s.pick(len(origins))
	primary, backup := origins[i], origins[1-i]

	s.logger.Debug("dispatching",
		"method", pr.Method,
		"path", pr.Path,
		"primary", primary,
	)

	resp, first := s.attempt(pr, model.RolePrimary, primary)
	if resp != nil && resp.StatusCode < http.StatusInternalServerError {
		s.observe(first)
		s.logger.Debug("primary succeeded",
			"target", primary,
			"status", resp.StatusCode,
			"duration_ms", first.Elapsed.Milliseconds(),
		)
		return resp, nil
	}

	if resp != nil {
		// Discard the 5xx body unread.
		_ = resp.Body.Close()
		first.Err = &UpstreamStatusError{Status: resp.StatusCode}
		s.logger.Warn("primary returned server error, switching to backup",
			"target", primary,
			"status", resp.StatusCode,
			"duration_ms", first.Elapsed.Milliseconds(),
		)
	} else {
		s.logger.Warn("primary failed, switching to backup",
			"target", primary,
			"err", first.Err,
			"duration_ms", first.Elapsed.Milliseconds(),
		)
	}
	s.observe(first)
	if s.metrics != nil {
		s.metrics.Failovers.Inc()
	}

	var second model.Attempt
	if err := pr.Ctx.Err(); err != nil {
		// The client is gone; there is nobody to answer.
		second = model.Attempt{Role: model.RoleBackup, Target: backup, Start: time.Now(), Err: err}
	} else {
		resp, second = s.attempt(pr, model.RoleBackup, backup)
	}
	s.observe(second)

	if second.Failed() {
		s.logger.Error("backup also failed",
			"target", backup,
			"err", second.Err,
			"duration_ms", second.Elapsed.Milliseconds(),
		)
		if s.metrics != nil {
			s.metrics.BothFailed.Inc()
		}
		return nil, &BothFailedError{Primary: first, Backup: second}
	}

	s.logger.Info("backup succeeded",
		"target", backup,
		"status", resp.StatusCode,
		"duration_ms", second.Elapsed.Milliseconds(),
	)
	return resp, nil
}

// attempt forwards pr to one origin. It returns a response whenever the
// upstream answered, whatever the status; classifying 5xx is up to the caller.
func (s *FailoverService) attempt(pr *model.ProxyRequest, role model.Role, origin string) (*model.ProxyResponse, model.Attempt) {
	a := model.Attempt{Role: role, Target: origin, Start: time.Now()}

	target, err := BuildTargetURL(origin, pr.Path, pr.RawQuery)
	if err != nil {
		a.Elapsed = time.Since(a.Start)
		a.Err = err
		return nil, a
	}

	resp, err := s.forwarder.Forward(pr.Ctx, target, pr.Method, pr.Header, pr.Body)
	a.Elapsed = time.Since(a.Start)
	if err != nil {
		a.Err = err
		return nil, a
	}

	a.Status = resp.StatusCode
	return resp, a
}

// observe counts one attempt by role and outcome.
func (s *FailoverService) observe(a model.Attempt) {
	if s.metrics == nil {
		return
	}
	outcome := metrics.OutcomeSuccess
	var statusErr *UpstreamStatusError
	var netErr *client.NetworkError
	switch {
	case a.Err == nil && a.Status >= http.StatusInternalServerError:
		outcome = metrics.OutcomeServerError
	case a.Err == nil:
	case errors.As(a.Err, &statusErr):
		outcome = metrics.OutcomeServerError
	case errors.As(a.Err, &netErr) && netErr.Timeout():
		outcome = metrics.OutcomeTimeout
	default:
		outcome = metrics.OutcomeNetworkErr
	}
	s.metrics.Attempts.WithLabelValues(string(a.Role), outcome).Inc()
}
