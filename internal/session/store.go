// Package session resolves bearer sessions provisioned by the identity
// provider integration into actors with branch access.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"qms/pharmacy-service/internal/docstore"
	"qms/pharmacy-service/internal/models"

	"github.com/google/uuid"
)

const Collection = "sessions"

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidSession  = errors.New("invalid session")
)

type sessionDoc struct {
	UserID    string    `json:"userId"`
	Role      string    `json:"role"`
	BranchIDs []string  `json:"branchIds"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type Store struct {
	docs docstore.Store
	now  func() time.Time
}

func NewStore(docs docstore.Store, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{docs: docs, now: now}
}

// GetSession returns ErrSessionNotFound for unknown and expired sessions alike.
func (s *Store) GetSession(ctx context.Context, sessionID string) (models.Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return models.Session{}, ErrSessionNotFound
	}
	doc, err := s.docs.Get(ctx, docstore.Ref{Collection: Collection, ID: sessionID})
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return models.Session{}, ErrSessionNotFound
		}
		return models.Session{}, err
	}
	var d sessionDoc
	if err := doc.DataTo(&d); err != nil {
		return models.Session{}, fmt.Errorf("decode session: %w", err)
	}
	if !d.ExpiresAt.After(s.now()) {
		return models.Session{}, ErrSessionNotFound
	}
	return models.Session{
		SessionID: doc.Ref.ID,
		UserID:    d.UserID,
		Role:      d.Role,
		BranchIDs: d.BranchIDs,
		ExpiresAt: d.ExpiresAt,
	}, nil
}

// CreateSession stores a session, generating its id when empty.
func (s *Store) CreateSession(ctx context.Context, session models.Session) (models.Session, error) {
	session.UserID = strings.TrimSpace(session.UserID)
	session.Role = strings.ToLower(strings.TrimSpace(session.Role))
	if session.UserID == "" {
		return models.Session{}, fmt.Errorf("%w: user id is required", ErrInvalidSession)
	}
	switch session.Role {
	case models.RoleAdmin, models.RolePharmacist, models.RoleCustomer, models.RoleKiosk, models.RoleDisplay:
	default:
		return models.Session{}, fmt.Errorf("%w: unknown role %q", ErrInvalidSession, session.Role)
	}
	if !session.ExpiresAt.After(s.now()) {
		return models.Session{}, fmt.Errorf("%w: expires_at must be in the future", ErrInvalidSession)
	}
	if session.SessionID == "" {
		session.SessionID = uuid.NewString()
	}
	branches := make([]string, 0, len(session.BranchIDs))
	for _, b := range session.BranchIDs {
		if b = strings.TrimSpace(b); b != "" {
			branches = append(branches, b)
		}
	}
	session.BranchIDs = branches
	session.ExpiresAt = session.ExpiresAt.UTC()

	ref := docstore.Ref{Collection: Collection, ID: session.SessionID}
	err := s.docs.Transaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		return tx.Set(ctx, ref, map[string]any{
			"userId":    session.UserID,
			"role":      session.Role,
			"branchIds": branches,
			"expiresAt": session.ExpiresAt,
		})
	})
	if err != nil {
		return models.Session{}, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}
