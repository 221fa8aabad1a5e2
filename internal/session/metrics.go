package session

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/openkcm/smart-session/internal/serviceerr"
)

const meterName = "github.com/openkcm/smart-session/internal/session"

type metrics struct {
	logins    metric.Int64Counter
	callbacks metric.Int64Counter
	csrf      metric.Int64Counter
	refreshes metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}

	logins, err := meter.Int64Counter("smart.login.started",
		metric.WithDescription("Authorization redirects issued"),
		metric.WithUnit("{login}"))
	if err != nil {
		return nil, err
	}

	callbacks, err := meter.Int64Counter("smart.callback.outcome",
		metric.WithDescription("Callback outcomes by reason"),
		metric.WithUnit("{callback}"))
	if err != nil {
		return nil, err
	}

	csrf, err := meter.Int64Counter("smart.callback.csrf_mismatch",
		metric.WithDescription("Callbacks whose state did not match the pending authorization"),
		metric.WithUnit("{callback}"))
	if err != nil {
		return nil, err
	}

	refreshes, err := meter.Int64Counter("smart.refresh.outcome",
		metric.WithDescription("Silent refresh outcomes"),
		metric.WithUnit("{refresh}"))
	if err != nil {
		return nil, err
	}

	return &metrics{
		logins:    logins,
		callbacks: callbacks,
		csrf:      csrf,
		refreshes: refreshes,
	}, nil
}

func (m *metrics) loginStarted(ctx context.Context, server string) {
	m.logins.Add(ctx, 1, metric.WithAttributes(attribute.String("server", server)))
}

func (m *metrics) callbackDone(ctx context.Context, err error) {
	m.callbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", callbackReason(err))))
	if errors.Is(err, serviceerr.ErrCsrfMismatch) {
		m.csrf.Add(ctx, 1)
	}
}

func (m *metrics) refreshDone(ctx context.Context, outcome string) {
	m.refreshes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func callbackReason(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, serviceerr.ErrAuthorizationDenied):
		return "denied"
	case errors.Is(err, serviceerr.ErrMalformedCallback):
		return "malformed"
	case errors.Is(err, serviceerr.ErrSessionExpired):
		return "session_expired"
	case errors.Is(err, serviceerr.ErrCsrfMismatch):
		return "csrf_mismatch"
	case errors.Is(err, serviceerr.ErrTimeout):
		return "timeout"
	case errors.Is(err, serviceerr.ErrTokenExchange):
		return "token_exchange"
	default:
		return "error"
	}
}
