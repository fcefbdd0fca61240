// Package api exposes the forward engine over HTTP for debugging and
// cross-implementation comparison. It is a diagnostics surface, not a model
// server: one request carries whole tensors and blocks until the pass is
// done.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/neuromorphs/flash-linear-attention/internal/logger"
	"github.com/neuromorphs/flash-linear-attention/pkg/deltarule"
)

type Server struct {
	log   logger.Logger
	clock func() time.Time
}

func NewServer(log logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{log: log, clock: time.Now}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/forward", s.handleForward)
	e.POST("/v1/backward", s.handleBackward)
	e.GET("/v1/healthz", s.handleHealth)
}

func (s *Server) handleForward(c *echo.Context) error {
	req, err := decodeJSON[ForwardRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	batch := &deltarule.Batch{
		NumSeqs:  req.NumSeqs,
		SeqLen:   req.SeqLen,
		NumHeads: req.NumHeads,
		KeyDim:   req.KeyDim,
		ValDim:   req.ValDim,
		Q:        req.Q,
		K:        req.K,
		V:        req.V,
		Beta:     req.Beta,
	}
	opts := deltarule.Options{
		Scale:            req.Scale,
		OutputAttentions: req.OutputAttentions,
		HeadFirst:        req.HeadFirst,
		Logger:           s.log,
	}

	id := "fwd-" + uuid.NewString()
	start := s.clock()
	res, err := deltarule.Parallel(batch, opts)
	if err != nil {
		var ve *deltarule.ValidationError
		switch {
		case errors.As(err, &ve), errors.Is(err, deltarule.ErrHeadFirstDeprecated):
			return writeBadRequest(c, err.Error())
		default:
			return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
		}
	}
	elapsed := s.clock().Sub(start)

	s.log.Info("forward pass served",
		"id", id,
		"seq_len", req.SeqLen,
		"heads", req.NumHeads,
		"duration_ms", float64(elapsed.Microseconds())/1000)

	return c.JSON(http.StatusOK, ForwardResponse{
		ID:         id,
		Object:     "delta_rule.forward",
		Created:    start.Unix(),
		Output:     res.Output,
		Attn:       res.Attn,
		DurationMS: float64(elapsed.Microseconds()) / 1000,
	})
}

// The backward half of the operator is not implemented; report that
// distinctly from a malformed request.
func (s *Server) handleBackward(c *echo.Context) error {
	return writeError(c, http.StatusNotImplemented, "not_implemented_error",
		deltarule.ErrBackwardUnsupported.Error())
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
