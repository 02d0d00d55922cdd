package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"qms/pharmacy-service/internal/config"
	"qms/pharmacy-service/internal/docstore"
	"qms/pharmacy-service/internal/docstore/memory"
	"qms/pharmacy-service/internal/models"
	"qms/pharmacy-service/internal/reservation"
	"qms/pharmacy-service/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	t     *testing.T
	store *memory.Store
	cfg   config.Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := memory.New(memory.Options{})
	t.Cleanup(func() { _ = st.Close() })
	return &harness{
		t:     t,
		store: st,
		cfg: config.Config{
			ReservationExpiresHours: 6,
			ResetBatchSize:          500,
			OutboxBatchSize:         100,
		},
	}
}

func (h *harness) open(ctx context.Context, dsn string, logger *slog.Logger) (docstore.Store, func(), error) {
	return h.store, func() {}, nil
}

// run executes one queuectl invocation and returns stdout.
func (h *harness) run(args ...string) (string, error) {
	h.t.Helper()
	cmd := newRootCommand(h.cfg, h.open)
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (h *harness) mustRun(args ...string) string {
	h.t.Helper()
	out, err := h.run(args...)
	require.NoError(h.t, err, "queuectl %s", strings.Join(args, " "))
	return out
}

func TestCommandPresence(t *testing.T) {
	cmd := newRootCommand(config.Config{}, nil)
	for _, name := range []string{"issue", "next", "done", "reset", "status", "claim", "reservation", "watch", "migrate", "session", "relay"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestInvalidFormat(t *testing.T) {
	h := newHarness(t)
	_, err := h.run("status", "--branch", "br1", "--format", "yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestIssueAdvanceStatus(t *testing.T) {
	h := newHarness(t)

	h.mustRun("issue", "--branch", "br1")
	out := h.mustRun("issue", "--branch", "br1", "--format", "json")
	var issued models.IssuedTicket
	require.NoError(t, json.Unmarshal([]byte(out), &issued))
	assert.Equal(t, int64(2), issued.TicketNumber)
	assert.Equal(t, "br1", issued.BranchID)

	assert.Contains(t, h.mustRun("next", "--branch", "br1"), "serving #1")

	status := h.mustRun("status", "--branch", "br1")
	assert.Contains(t, status, "issued:      2")
	assert.Contains(t, status, "now serving: #1")
	assert.Contains(t, status, "next:        #2")
	assert.Contains(t, status, "waiting:     1")

	assert.Contains(t, h.mustRun("done", "--branch", "br1"), "done #1")
	assert.Contains(t, h.mustRun("done", "--branch", "br1"), "nothing is being served")
}

func TestNextOnEmptyQueue(t *testing.T) {
	h := newHarness(t)
	out := h.mustRun("next", "--branch", "br1", "--format", "json")
	var resp map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, false, resp["found"])
}

func TestResetRequiresConfirmation(t *testing.T) {
	h := newHarness(t)
	h.mustRun("issue", "--branch", "br1")

	_, err := h.run("reset", "--branch", "br1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	h.mustRun("reset", "--branch", "br1", "--yes")
	assert.Contains(t, h.mustRun("status", "--branch", "br1"), "issued:      0")

	out := h.mustRun("issue", "--branch", "br1", "--format", "json")
	assert.Contains(t, out, `"ticket_number": 1`)
}

func TestMissingBranchFlag(t *testing.T) {
	h := newHarness(t)
	_, err := h.run("issue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "branch")
}

func TestClaimAndReservationCommands(t *testing.T) {
	h := newHarness(t)
	engine := reservation.NewEngine(h.store, reservation.Options{DefaultExpiresHours: 6})
	created, err := engine.Create(context.Background(), models.Actor{UserID: "u1", Role: models.RoleCustomer}, reservation.CreateInput{
		BranchID:     "br1",
		CustomerName: "Dewi",
		Items:        []reservation.ItemInput{{MedicineID: "m1", MedicineName: "Paracetamol", Qty: 2, Price: 4.5}},
	})
	require.NoError(t, err)

	_, err = h.run("claim", "--branch", "br2", "--code", created.QRToken)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	out := h.mustRun("claim", "--branch", "br1", "--code", created.QRToken, "--user", "staff-1", "--format", "json")
	var claimed models.Reservation
	require.NoError(t, json.Unmarshal([]byte(out), &claimed))
	assert.Equal(t, models.ReservationClaimed, claimed.Status)
	assert.Equal(t, "staff-1", claimed.ClaimedBy)

	_, err = h.run("claim", "--branch", "br1", "--code", created.QRToken)
	require.Error(t, err)
	assert.ErrorIs(t, err, reservation.ErrNotFound)

	show := h.mustRun("reservation", "show", "--id", created.ReservationID)
	assert.Contains(t, show, "Paracetamol")
	assert.Contains(t, show, "total 9.00")

	list := h.mustRun("reservation", "list", "--branch", "br1")
	assert.Contains(t, list, created.ReservationID)
	assert.Contains(t, list, "claimed")

	assert.Contains(t, h.mustRun("res", "complete", "--id", created.ReservationID), "is now completed")
	assert.Contains(t, h.mustRun("reservation", "list", "--branch", "br9"), "No reservations found.")
}

func TestClaimPayloadForOtherBranch(t *testing.T) {
	h := newHarness(t)
	raw, err := reservation.NewPayload("br2", "r1", "ABCD2345").Encode()
	require.NoError(t, err)

	_, err = h.run("claim", "--branch", "br1", "--code", string(raw))
	require.Error(t, err)
	assert.ErrorIs(t, err, reservation.ErrNotFound)
}

func TestWatchPrintsProjection(t *testing.T) {
	h := newHarness(t)
	h.mustRun("issue", "--branch", "br1")
	h.mustRun("issue", "--branch", "br1")

	out := h.mustRun("watch", "--branch", "br1", "--topic", "queue.waiting_count", "--count", "1")
	var msg struct {
		Type     string  `json:"type"`
		BranchID string  `json:"branch_id"`
		Payload  struct {
			Count int `json:"count"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &msg))
	assert.Equal(t, "queue.waiting_count", msg.Type)
	assert.Equal(t, "br1", msg.BranchID)
	assert.Equal(t, 2, msg.Payload.Count)
}

func TestWatchRejectsUnknownTopic(t *testing.T) {
	h := newHarness(t)
	_, err := h.run("watch", "--branch", "br1", "--topic", "queue.bogus")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSessionCreate(t *testing.T) {
	h := newHarness(t)
	out := h.mustRun("session", "create", "--for", "u-7", "--role", "pharmacist", "--branches", "br1,br2")
	id := strings.TrimSpace(out)
	require.NotEmpty(t, id)

	got, err := session.NewStore(h.store, nil).GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "u-7", got.UserID)
	assert.Equal(t, models.RolePharmacist, got.Role)
	assert.Equal(t, []string{"br1", "br2"}, got.BranchIDs)

	_, err = h.run("session", "create", "--for", "u-7", "--role", "wizard")
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrInvalidSession)
}

func TestRelayDrainsOutbox(t *testing.T) {
	h := newHarness(t)
	h.mustRun("issue", "--branch", "br1")
	h.mustRun("next", "--branch", "br1")

	assert.Contains(t, h.mustRun("relay"), "published 2 events")
	assert.Contains(t, h.mustRun("relay"), "published 0 events")
}

func TestMigrateNeedsDatabase(t *testing.T) {
	h := newHarness(t)
	_, err := h.run("migrate")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestCommandsRefuseWithoutDatabase(t *testing.T) {
	for _, args := range [][]string{
		{"issue", "--branch", "br1"},
		{"reset", "--branch", "br1", "--yes"},
		{"claim", "--branch", "br1", "--code", "ABCDEFGHJKLMNPQRSTUV"},
	} {
		t.Run(args[0], func(t *testing.T) {
			cmd := newRootCommand(config.Config{}, openDatabase)
			cmd.SetOut(&bytes.Buffer{})
			cmd.SetErr(&bytes.Buffer{})
			cmd.SetArgs(args)
			err := cmd.ExecuteContext(context.Background())
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.ErrorIs(t, err, errNoDatabase)
		})
	}
}
