package session

import (
	"context"
	"testing"
	"time"

	"qms/pharmacy-service/internal/docstore/memory"
	"qms/pharmacy-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndGetSession(t *testing.T) {
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	docs := memory.New(memory.Options{})
	defer docs.Close()
	s := NewStore(docs, func() time.Time { return now })

	created, err := s.CreateSession(context.Background(), models.Session{
		UserID:    "u1",
		Role:      " Pharmacist ",
		BranchIDs: []string{"br1", " "},
		ExpiresAt: now.Add(time.Hour),
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.SessionID)

	got, err := s.GetSession(context.Background(), created.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, models.RolePharmacist, got.Role)
	assert.Equal(t, []string{"br1"}, got.BranchIDs)
	assert.True(t, got.ExpiresAt.Equal(now.Add(time.Hour)))
	assert.True(t, got.Actor().IsStaff())
}

func TestGetSessionExpiredOrUnknown(t *testing.T) {
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	docs := memory.New(memory.Options{})
	defer docs.Close()
	clock := now
	s := NewStore(docs, func() time.Time { return clock })

	created, err := s.CreateSession(context.Background(), models.Session{
		SessionID: "sess-1",
		UserID:    "u1",
		Role:      models.RoleCustomer,
		ExpiresAt: now.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, "sess-1", created.SessionID)

	clock = now.Add(time.Minute)
	_, err = s.GetSession(context.Background(), "sess-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = s.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = s.GetSession(context.Background(), " ")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCreateSessionValidation(t *testing.T) {
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	docs := memory.New(memory.Options{})
	defer docs.Close()
	s := NewStore(docs, func() time.Time { return now })

	cases := []models.Session{
		{Role: models.RoleAdmin, ExpiresAt: now.Add(time.Hour)},
		{UserID: "u1", Role: "root", ExpiresAt: now.Add(time.Hour)},
		{UserID: "u1", Role: models.RoleAdmin, ExpiresAt: now},
	}
	for _, in := range cases {
		_, err := s.CreateSession(context.Background(), in)
		assert.ErrorIs(t, err, ErrInvalidSession)
	}
}
