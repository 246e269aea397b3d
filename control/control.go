// Package control exposes the session's save, preview, reset and status
// operations over HTTP and MCP. Both transports call the same kit endpoints.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/hazyhaar/volkeeper/eventlog"
	"github.com/hazyhaar/volkeeper/kit"
	"github.com/hazyhaar/volkeeper/level"
	"github.com/hazyhaar/volkeeper/session"
)

// WaitingMessage is shown when save or reset is asked for before an identity
// is known.
const WaitingMessage = "waiting for identity"

// NoMediaMessage is shown when a preview is asked for before a media element
// is bound.
const NoMediaMessage = "waiting for media element"

var errInvalidLevel = errors.New("level must be a finite number")

// Controller is the slice of *session.Controller the control surfaces use.
type Controller interface {
	Status(ctx context.Context) (session.Status, error)
	SaveVolume(ctx context.Context, lvl level.Level) (level.Level, error)
	PreviewVolume(ctx context.Context, lvl level.Level) (level.Level, error)
	ResetVolume(ctx context.Context) error
	Subscribe(fn func(session.Status)) (cancel func())
}

// PolicySource lists the stored policy. *store.Store implements it.
type PolicySource interface {
	Snapshot() level.Policy
}

// EventSource lists journal events. *eventlog.Logger implements it.
type EventSource interface {
	Recent(ctx context.Context, limit int) ([]eventlog.Event, error)
}

// Server holds the endpoints shared by both transports.
type Server struct {
	ctrl   Controller
	policy PolicySource
	events EventSource
	logger *slog.Logger

	status kit.Endpoint
	save    kit.Endpoint
	preview kit.Endpoint
	reset   kit.Endpoint
}

// Option configures a Server.
type Option func(*Server)

// WithPolicy enables GET /policy.
func WithPolicy(p PolicySource) Option { return func(s *Server) { s.policy = p } }

// WithEvents enables GET /events.
func WithEvents(e EventSource) Option { return func(s *Server) { s.events = e } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// New builds a Server over ctrl.
func New(ctrl Controller, opts ...Option) *Server {
	s := &Server{ctrl: ctrl, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	s.status = kit.Logging(s.logger, "status")(s.statusEndpoint)
	s.save = kit.Logging(s.logger, "save_volume")(s.saveEndpoint)
	s.preview = kit.Logging(s.logger, "preview_volume")(s.previewEndpoint)
	s.reset = kit.Logging(s.logger, "reset_volume")(s.resetEndpoint)
	return s
}

// SaveRequest asks for a level to be stored for the current identity. The
// preview endpoints take it too.
type SaveRequest struct {
	Level *float64 `json:"level"`
}

// VolumeResponse reports the outcome of save, preview or reset.
type VolumeResponse struct {
	Identity string  `json:"identity"`
	Name     string  `json:"name,omitempty"`
	Level    float64 `json:"level"`
	Message  string  `json:"message"`
}

func (s *Server) statusEndpoint(ctx context.Context, _ any) (any, error) {
	st, err := s.ctrl.Status(ctx)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func requestedLevel(req any) (level.Level, error) {
	r, _ := req.(*SaveRequest)
	if r == nil || r.Level == nil || math.IsNaN(*r.Level) || math.IsInf(*r.Level, 0) {
		return 0, errInvalidLevel
	}
	return level.Level(*r.Level), nil
}

func (s *Server) saveEndpoint(ctx context.Context, req any) (any, error) {
	lvl, err := requestedLevel(req)
	if err != nil {
		return nil, err
	}
	stored, err := s.ctrl.SaveVolume(ctx, lvl)
	if err != nil {
		return nil, err
	}
	st, err := s.ctrl.Status(ctx)
	if err != nil {
		return nil, err
	}
	return &VolumeResponse{
		Identity: st.Identity,
		Name:     st.Name,
		Level:    stored.Float(),
		Message:  fmt.Sprintf("saved volume for %s", displayName(st)),
	}, nil
}

func (s *Server) previewEndpoint(ctx context.Context, req any) (any, error) {
	lvl, err := requestedLevel(req)
	if err != nil {
		return nil, err
	}
	live, err := s.ctrl.PreviewVolume(ctx, lvl)
	if err != nil {
		return nil, err
	}
	st, err := s.ctrl.Status(ctx)
	if err != nil {
		return nil, err
	}
	return &VolumeResponse{
		Identity: st.Identity,
		Name:     st.Name,
		Level:    live.Float(),
		Message:  fmt.Sprintf("previewing %.2f, not saved", live.Float()),
	}, nil
}

func (s *Server) resetEndpoint(ctx context.Context, _ any) (any, error) {
	if err := s.ctrl.ResetVolume(ctx); err != nil {
		return nil, err
	}
	st, err := s.ctrl.Status(ctx)
	if err != nil {
		return nil, err
	}
	return &VolumeResponse{
		Identity: st.Identity,
		Name:     st.Name,
		Level:    level.Unity.Float(),
		Message:  fmt.Sprintf("reset volume for %s", displayName(st)),
	}, nil
}

func displayName(st session.Status) string {
	if st.Name != "" {
		return st.Name
	}
	return st.Identity
}

// userError maps an endpoint error to the message shown to the user.
func userError(err error) string {
	switch {
	case errors.Is(err, session.ErrNoIdentity):
		return WaitingMessage
	case errors.Is(err, session.ErrNotBound):
		return NoMediaMessage
	case errors.Is(err, errInvalidLevel):
		return errInvalidLevel.Error()
	default:
		return err.Error()
	}
}
