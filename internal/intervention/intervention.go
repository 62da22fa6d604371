// Package intervention implements the Intervention Gate (C8): a blocking
// APPROVE/MODIFY/REJECT checkpoint on a Planner batch, generalized from the
// original op_id-keyed InterventionManager (asyncio.Event based) into a
// channel-based wait with JWT-signed callback tokens so a decision can be
// submitted from an out-of-process caller (a web hook, a CLI) without
// re-authenticating against the whole operation.
package intervention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cogloop/cogloop/internal/corerr"
	"github.com/cogloop/cogloop/internal/eventbus"
	"github.com/cogloop/cogloop/internal/schemas"
)

// Config governs token signing and default wait behavior.
type Config struct {
	SigningKey  []byte
	CallbackTTL time.Duration
	Timeout     time.Duration
	AutoApprove bool
}

type pendingRequest struct {
	request  schemas.InterventionRequest
	resultCh chan schemas.InterventionDecision
}

// Manager holds the pending intervention requests for one operation.
type Manager struct {
	cfg    Config
	logger *zap.Logger
	bus    *eventbus.Broker

	mu      sync.Mutex
	pending map[string]*pendingRequest // keyed by request id
	byOp    map[string]string          // op id -> request id
}

// SetBus attaches the operation's event broker so RequestApproval can
// publish intervention.required/intervention.resolved events (C1, S3/S4).
func (m *Manager) SetBus(bus *eventbus.Broker) {
	m.bus = bus
}

// New builds a Manager. AutoApprove short-circuits RequestApproval so
// operations can run unattended in CI/test contexts.
func New(cfg Config, logger *zap.Logger) *Manager {
	if cfg.CallbackTTL <= 0 {
		cfg.CallbackTTL = time.Hour
	}
	return &Manager{
		cfg:     cfg,
		logger:  logger.Named("intervention"),
		pending: make(map[string]*pendingRequest),
		byOp:    make(map[string]string),
	}
}

type callbackClaims struct {
	RequestID string `json:"rid"`
	OpID      string `json:"opid"`
	jwt.RegisteredClaims
}

func (m *Manager) signToken(reqID, opID string) (string, error) {
	if len(m.cfg.SigningKey) == 0 {
		return "", nil
	}
	claims := callbackClaims{
		RequestID: reqID,
		OpID:      opID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(m.cfg.CallbackTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.cfg.SigningKey)
}

func (m *Manager) verifyToken(tokenStr, reqID string) error {
	if len(m.cfg.SigningKey) == 0 {
		return nil
	}
	claims := &callbackClaims{}
	parsed, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return m.cfg.SigningKey, nil
	})
	if err != nil || !parsed.Valid {
		return corerr.Wrap(corerr.KindValidation, "invalid intervention callback token", err)
	}
	if claims.RequestID != reqID {
		return corerr.New(corerr.KindValidation, "callback token does not match request")
	}
	return nil
}

// RequestApproval registers a pending request for opID and blocks until a
// decision is submitted, the context is cancelled, or Timeout elapses (0
// means wait indefinitely). AutoApprove bypasses the wait entirely.
func (m *Manager) RequestApproval(ctx context.Context, opID string, batch []schemas.GraphCommand) (schemas.InterventionDecision, error) {
	if m.cfg.AutoApprove {
		return schemas.InterventionDecision{Action: schemas.InterventionApprove, Batch: batch}, nil
	}

	reqID := "req-" + uuid.NewString()
	token, err := m.signToken(reqID, opID)
	if err != nil {
		return schemas.InterventionDecision{}, corerr.Wrap(corerr.KindFatal, "sign intervention token", err)
	}

	req := schemas.InterventionRequest{
		ID:        reqID,
		OpID:      opID,
		Batch:     batch,
		CreatedAt: time.Now().UTC(),
		Token:     token,
	}
	pr := &pendingRequest{request: req, resultCh: make(chan schemas.InterventionDecision, 1)}

	m.mu.Lock()
	m.pending[reqID] = pr
	m.byOp[opID] = reqID
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Post(ctx, schemas.EventInterventionRequired, "", req)
	}

	defer func() {
		m.mu.Lock()
		delete(m.pending, reqID)
		if m.byOp[opID] == reqID {
			delete(m.byOp, opID)
		}
		m.mu.Unlock()
	}()

	waitCtx := ctx
	var cancel context.CancelFunc
	if m.cfg.Timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, m.cfg.Timeout)
		defer cancel()
	}

	select {
	case decision := <-pr.resultCh:
		if m.bus != nil {
			m.bus.Post(ctx, schemas.EventInterventionResolved, "", decision)
		}
		return decision, nil
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			if m.bus != nil {
				m.bus.Post(ctx, schemas.EventInterventionResolved, "", map[string]string{"request_id": reqID, "outcome": "cancelled"})
			}
			return schemas.InterventionDecision{}, corerr.Wrap(corerr.KindCancelled, "operation cancelled while awaiting intervention", ctx.Err())
		}
		if m.bus != nil {
			m.bus.Post(ctx, schemas.EventInterventionResolved, "", map[string]string{"request_id": reqID, "outcome": "timeout"})
		}
		return schemas.InterventionDecision{}, corerr.Wrap(corerr.KindBudget, "intervention wait timed out", waitCtx.Err())
	}
}

// GetPending returns the pending request for opID, if any.
func (m *Manager) GetPending(opID string) (schemas.InterventionRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reqID, ok := m.byOp[opID]
	if !ok {
		return schemas.InterventionRequest{}, false
	}
	return m.pending[reqID].request, true
}

// SubmitDecision resolves a pending request. token must match the one
// issued with the request when SigningKey is configured.
func (m *Manager) SubmitDecision(requestID, token string, decision schemas.InterventionDecision) error {
	if err := m.verifyToken(token, requestID); err != nil {
		return err
	}

	m.mu.Lock()
	pr, ok := m.pending[requestID]
	m.mu.Unlock()
	if !ok {
		return corerr.New(corerr.KindInvariant, fmt.Sprintf("no pending intervention request %s", requestID))
	}

	decision.RequestID = requestID
	select {
	case pr.resultCh <- decision:
	default:
		return corerr.New(corerr.KindInvariant, "intervention request already resolved")
	}
	return nil
}
