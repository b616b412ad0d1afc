// internal/gateway/gateway.go
package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/rovshanmuradov/tradesync/internal/apierr"
	"github.com/rovshanmuradov/tradesync/internal/metrics"
	"github.com/rovshanmuradov/tradesync/internal/session"
	"github.com/rovshanmuradov/tradesync/internal/transport"
	"go.uber.org/zap"
)

// Sessions is the part of session.Store the gateway depends on.
type Sessions interface {
	Current() (session.Session, bool)
	Generation() uint64
	NeedsRefresh(skew time.Duration) bool
	RefreshIfCurrent(ctx context.Context, staleAccessToken string) (*session.Session, error)
	Invalidate(generation uint64) bool
}

// Doer performs one HTTP attempt; *transport.Client in production.
type Doer interface {
	Do(ctx context.Context, op string, req transport.Request) (*transport.Response, error)
}

// Request is one authenticated call. Public requests carry no token and skip
// the renew-and-retry protocol.
type Request struct {
	Op     string
	Method string
	Path   string
	Query  url.Values
	Body   interface{}
	Public bool
}

// Gateway is the only path from the client to the remote service's REST API.
type Gateway struct {
	doer        Doer
	sessions    Sessions
	refreshSkew time.Duration
	logger      *zap.Logger
	metrics     *metrics.Collector
}

type Options struct {
	RefreshSkew time.Duration
	Metrics     *metrics.Collector
}

func New(doer Doer, sessions Sessions, logger *zap.Logger, opts Options) *Gateway {
	return &Gateway{
		doer:        doer,
		sessions:    sessions,
		refreshSkew: opts.RefreshSkew,
		logger:      logger.Named("gateway"),
		metrics:     opts.Metrics,
	}
}

// Execute runs req with the current access token. On 401 it refreshes once
// and retries exactly once; a second 401 ends the session. A response that
// arrives after the session it was sent with has ended is discarded. A
// refresh that fails at the network level surfaces as ErrTransport and keeps
// the session.
func (g *Gateway) Execute(ctx context.Context, req Request) (*transport.Response, error) {
	start := time.Now()
	resp, err := g.execute(ctx, req)
	g.metrics.ObserveRequest(outcome(err), start)
	return resp, err
}

// Call executes req and decodes a successful JSON body into out.
func (g *Gateway) Call(ctx context.Context, req Request, out interface{}) error {
	resp, err := g.Execute(ctx, req)
	if err != nil {
		return err
	}
	if err := resp.Decode(out); err != nil {
		return apierr.Wrap(apierr.ErrAPI, req.op(), err)
	}
	return nil
}

func (g *Gateway) execute(ctx context.Context, req Request) (*transport.Response, error) {
	op := req.op()

	if req.Public {
		resp, err := g.doer.Do(ctx, op, req.wire(""))
		if err != nil {
			return nil, err
		}
		if err := transport.Classify(op, resp); err != nil {
			return nil, err
		}
		return resp, nil
	}

	sess, ok := g.sessions.Current()
	if !ok {
		return nil, apierr.New(apierr.ErrSessionExpired, op, "not logged in")
	}
	gen := sess.Generation

	if g.refreshSkew > 0 && g.sessions.NeedsRefresh(g.refreshSkew) {
		refreshed, err := g.sessions.RefreshIfCurrent(ctx, sess.AccessToken)
		switch {
		case err == nil:
			sess = *refreshed
		case errors.Is(err, apierr.ErrSessionExpired):
			return nil, err
		default:
			// token is not expired yet, try it anyway
			g.logger.Warn("Proactive refresh failed", zap.String("op", op), zap.Error(err))
		}
		if sess.Generation != gen {
			return nil, inFlightExpired(op)
		}
	}

	resp, err := g.doer.Do(ctx, op, req.wire(sess.AccessToken))
	if err != nil {
		return nil, err
	}
	if g.sessions.Generation() != gen {
		return nil, inFlightExpired(op)
	}

	if resp.Status == http.StatusUnauthorized {
		g.logger.Debug("Unauthorized, refreshing", zap.String("op", op))

		refreshed, err := g.sessions.RefreshIfCurrent(ctx, sess.AccessToken)
		if err != nil {
			if errors.Is(err, apierr.ErrSessionExpired) {
				return nil, apierr.Wrap(apierr.ErrSessionExpired, op, err)
			}
			return nil, err
		}
		if refreshed.Generation != gen {
			return nil, inFlightExpired(op)
		}

		resp, err = g.doer.Do(ctx, op, req.wire(refreshed.AccessToken))
		if err != nil {
			return nil, err
		}
		if g.sessions.Generation() != gen {
			return nil, inFlightExpired(op)
		}
		if resp.Status == http.StatusUnauthorized {
			g.logger.Warn("Unauthorized after refresh, ending session", zap.String("op", op))
			g.sessions.Invalidate(gen)
			return nil, apierr.FromStatus(apierr.ErrSessionExpired, op, resp.Status, "rejected after refresh")
		}
	}

	if err := transport.Classify(op, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func inFlightExpired(op string) error {
	return apierr.New(apierr.ErrSessionExpired, op, "session ended while request was in flight")
}

func (r Request) op() string {
	if r.Op != "" {
		return r.Op
	}
	return r.Method + " " + r.Path
}

func (r Request) wire(token string) transport.Request {
	return transport.Request{
		Method: r.Method,
		Path:   r.Path,
		Query:  r.Query,
		Body:   r.Body,
		Token:  token,
	}
}

func outcome(err error) string {
	switch apierr.KindOf(err) {
	case nil:
		if err != nil {
			return "error"
		}
		return "ok"
	case apierr.ErrSessionExpired:
		return "session_expired"
	case apierr.ErrPolicy:
		return "policy"
	case apierr.ErrTransport:
		return "transport"
	case apierr.ErrAuth:
		return "auth"
	default:
		return "api"
	}
}
