package proposal

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"bwgateway/chain"
	"bwgateway/gwerrors"
	"bwgateway/models"
	"bwgateway/provider"
)

type mockPipeline struct {
	prepared   *provider.Prepared
	prepareErr error

	submitRes *chain.PushResult
	submitErr error

	submittedSignatures []string
	submitCalls         int
}

func (m *mockPipeline) Prepare(ctx context.Context, channelID, user string, input provider.TransactionInput, chainID string) (*provider.Prepared, error) {
	if m.prepareErr != nil {
		return nil, m.prepareErr
	}
	return m.prepared, nil
}

func (m *mockPipeline) Submit(ctx context.Context, signatures []string, raw []byte) (*chain.PushResult, error) {
	m.submitCalls++
	m.submittedSignatures = append([]string(nil), signatures...)
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	return m.submitRes, nil
}

type mockResolver struct {
	names map[string]string
	err   error
}

func (m *mockResolver) Usernames(ctx context.Context, userIDs []string) (map[string]string, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.names, nil
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

func transferAction(payer, receiver string) chain.Action {
	return chain.Action{
		Account: "cyber.token",
		Name:    "transfer",
		Authorization: []chain.PermissionLevel{
			{Actor: payer, Permission: "active"},
			{Actor: receiver, Permission: "active"},
		},
		Data: map[string]any{"from": payer, "to": receiver},
	}
}

func preparedWith(t *testing.T, actions []chain.Action, sigs []string, expiration time.Time) *provider.Prepared {
	t.Helper()
	trx := &chain.Transaction{
		Actions:    actions,
		Expiration: chain.Timestamp{Time: expiration},
		Raw:        []byte{0xbe, 0xef},
	}
	cls, err := provider.NewValidator(provider.Policy{
		SystemAccount:      "cyber",
		DelegationAction:   "providebw",
		ProviderAccount:    "gls",
		ProviderPermission: "providebw",
	}).Verify(trx)
	if err != nil {
		t.Fatalf("classify test transaction: %v", err)
	}
	return &provider.Prepared{Trx: trx, Classification: cls, Signatures: sigs}
}

func newTestService(t *testing.T, pipeline *mockPipeline, resolver UsernameResolver) (*Service, *gorm.DB) {
	t.Helper()
	db := openTestDB(t)
	svc := NewService(Config{
		DB:             db,
		Pipeline:       pipeline,
		Usernames:      resolver,
		AllowedMethods: []Method{{Contract: "cyber.token", Name: "transfer"}},
	})
	return svc, db
}

func TestCreateListSignAndExecute(t *testing.T) {
	expiration := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	pipeline := &mockPipeline{
		prepared: preparedWith(t,
			[]chain.Action{transferAction("alice", "bob")},
			[]string{"SIG_K1_alice"},
			expiration,
		),
		submitRes: &chain.PushResult{TransactionID: "tid-1"},
	}
	resolver := &mockResolver{names: map[string]string{"alice": "alice.gls"}}
	svc, db := newTestService(t, pipeline, resolver)
	ctx := context.Background()

	id, err := svc.Create(ctx, "chan-1", "alice", provider.TransactionInput{SerializedTransaction: "beef"}, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id == uuid.Nil {
		t.Fatalf("empty proposal id")
	}

	items, err := svc.List(ctx, "bob", "cyber.token", "transfer")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected one proposal, got %d", len(items))
	}
	if items[0].InitiatorID != "alice" || items[0].InitiatorUsername != "alice.gls" {
		t.Fatalf("initiator fields %+v", items[0])
	}
	var action chain.Action
	if err := json.Unmarshal(items[0].Action, &action); err != nil {
		t.Fatalf("stored action unreadable: %v", err)
	}
	if action.Name != "transfer" {
		t.Fatalf("stored action %+v", action)
	}

	res, err := svc.SignAndExecute(ctx, "bob", id.String(), "SIG_K1_bob")
	if err != nil {
		t.Fatalf("sign and execute: %v", err)
	}
	if res.TransactionID != "tid-1" {
		t.Fatalf("unexpected result %+v", res)
	}
	want := []string{"SIG_K1_alice", "SIG_K1_bob"}
	if len(pipeline.submittedSignatures) != 2 ||
		pipeline.submittedSignatures[0] != want[0] ||
		pipeline.submittedSignatures[1] != want[1] {
		t.Fatalf("signature order %v", pipeline.submittedSignatures)
	}

	var count int64
	db.Model(&models.Proposal{}).Count(&count)
	if count != 0 {
		t.Fatalf("executed proposal not cleaned up")
	}
}

func TestCreateRejectsWrongActionShape(t *testing.T) {
	expiration := time.Now().Add(time.Hour)

	cases := []struct {
		name     string
		prepared *provider.Prepared
		wantErr  *gwerrors.Error
	}{
		{
			name:     "no proposable action",
			prepared: preparedWith(t, []chain.Action{}, nil, expiration),
			wantErr:  gwerrors.ErrNoProposableAction,
		},
		{
			name: "multiple proposable actions",
			prepared: preparedWith(t,
				[]chain.Action{transferAction("alice", "bob"), transferAction("alice", "carol")},
				nil, expiration),
			wantErr: gwerrors.ErrMultipleProposableActions,
		},
		{
			name: "method not allowed",
			prepared: preparedWith(t,
				[]chain.Action{{
					Account:       "gls.publish",
					Name:          "createmssg",
					Authorization: []chain.PermissionLevel{{Actor: "bob", Permission: "active"}},
				}},
				nil, expiration),
			wantErr: gwerrors.ErrMethodNotAllowed,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, _ := newTestService(t, &mockPipeline{prepared: tc.prepared}, nil)
			_, err := svc.Create(context.Background(), "chan-1", "alice", provider.TransactionInput{SerializedTransaction: "beef"}, "")
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestCreateRejectsAmbiguousAwaitingSigner(t *testing.T) {
	expiration := time.Now().Add(time.Hour)
	action := chain.Action{
		Account: "cyber.token",
		Name:    "transfer",
		Authorization: []chain.PermissionLevel{
			{Actor: "bob", Permission: "active"},
			{Actor: "carol", Permission: "active"},
		},
	}
	svc, _ := newTestService(t, &mockPipeline{
		prepared: preparedWith(t, []chain.Action{action}, nil, expiration),
	}, nil)

	_, err := svc.Create(context.Background(), "chan-1", "alice", provider.TransactionInput{SerializedTransaction: "beef"}, "")
	if !errors.Is(err, gwerrors.ErrInvalidAwaitingSigner) {
		t.Fatalf("expected ErrInvalidAwaitingSigner, got %v", err)
	}
}

func TestSignAndExecuteUnknownProposal(t *testing.T) {
	svc, _ := newTestService(t, &mockPipeline{}, nil)
	ctx := context.Background()

	_, err := svc.SignAndExecute(ctx, "bob", "not-a-uuid", "SIG")
	if !errors.Is(err, gwerrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for bad id, got %v", err)
	}
	_, err = svc.SignAndExecute(ctx, "bob", uuid.NewString(), "SIG")
	if !errors.Is(err, gwerrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing row, got %v", err)
	}
}

func TestSignAndExecuteIgnoresExpiredAndForeignProposals(t *testing.T) {
	expiration := time.Now().Add(time.Hour).UTC()
	pipeline := &mockPipeline{
		prepared:  preparedWith(t, []chain.Action{transferAction("alice", "bob")}, []string{"SIG_K1_alice"}, expiration),
		submitRes: &chain.PushResult{TransactionID: "tid"},
	}
	svc, db := newTestService(t, pipeline, nil)
	ctx := context.Background()

	id, err := svc.Create(ctx, "chan-1", "alice", provider.TransactionInput{SerializedTransaction: "beef"}, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// The wrong signer cannot see the proposal.
	if _, err := svc.SignAndExecute(ctx, "carol", id.String(), "SIG"); !errors.Is(err, gwerrors.ErrNotFound) {
		t.Fatalf("foreign signer got %v", err)
	}

	// Once lapsed, the right signer cannot either.
	db.Model(&models.Proposal{}).Where("id = ?", id).
		Update("expiration_time", time.Now().Add(-time.Minute))
	if _, err := svc.SignAndExecute(ctx, "bob", id.String(), "SIG"); !errors.Is(err, gwerrors.ErrNotFound) {
		t.Fatalf("expired proposal got %v", err)
	}
}

func TestSignAndExecuteRejectionKeepsProposal(t *testing.T) {
	expiration := time.Now().Add(time.Hour).UTC()
	pipeline := &mockPipeline{
		prepared:  preparedWith(t, []chain.Action{transferAction("alice", "bob")}, []string{"SIG_K1_alice"}, expiration),
		submitErr: gwerrors.ErrChainRejected.WithData(json.RawMessage(`{"code":3080004}`)),
	}
	svc, db := newTestService(t, pipeline, nil)
	ctx := context.Background()

	id, err := svc.Create(ctx, "chan-1", "alice", provider.TransactionInput{SerializedTransaction: "beef"}, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = svc.SignAndExecute(ctx, "bob", id.String(), "SIG_K1_bob")
	if !errors.Is(err, gwerrors.ErrChainRejected) {
		t.Fatalf("expected ErrChainRejected, got %v", err)
	}

	// The row survives with the appended signature for retry.
	var record models.Proposal
	if err := db.First(&record, "id = ?", id).Error; err != nil {
		t.Fatalf("rejected proposal vanished: %v", err)
	}
	var signatures []string
	if err := json.Unmarshal([]byte(record.Signatures), &signatures); err != nil {
		t.Fatalf("stored signatures unreadable: %v", err)
	}
	if len(signatures) != 2 {
		t.Fatalf("appended signature not persisted: %v", signatures)
	}

	// Retrying does not double-append.
	pipeline.submitErr = nil
	pipeline.submitRes = &chain.PushResult{TransactionID: "tid-retry"}
	if _, err := svc.SignAndExecute(ctx, "bob", id.String(), "SIG_K1_bob"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(pipeline.submittedSignatures) != 2 {
		t.Fatalf("duplicate signature appended: %v", pipeline.submittedSignatures)
	}
}

func TestListSurvivesUsernameFailure(t *testing.T) {
	expiration := time.Now().Add(time.Hour).UTC()
	pipeline := &mockPipeline{
		prepared: preparedWith(t, []chain.Action{transferAction("alice", "bob")}, nil, expiration),
	}
	svc, _ := newTestService(t, pipeline, &mockResolver{err: errors.New("directory down")})
	ctx := context.Background()

	if _, err := svc.Create(ctx, "chan-1", "alice", provider.TransactionInput{SerializedTransaction: "beef"}, ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	items, err := svc.List(ctx, "bob", "cyber.token", "transfer")
	if err != nil {
		t.Fatalf("list must not fail on directory errors: %v", err)
	}
	if len(items) != 1 || items[0].InitiatorUsername != "" {
		t.Fatalf("unexpected items %+v", items)
	}
}

func TestPurgeExpired(t *testing.T) {
	expiration := time.Now().Add(time.Hour).UTC()
	pipeline := &mockPipeline{
		prepared: preparedWith(t, []chain.Action{transferAction("alice", "bob")}, nil, expiration),
	}
	svc, db := newTestService(t, pipeline, nil)
	ctx := context.Background()

	liveID, err := svc.Create(ctx, "chan-1", "alice", provider.TransactionInput{SerializedTransaction: "beef"}, "")
	if err != nil {
		t.Fatalf("create live: %v", err)
	}
	lapsedID, err := svc.Create(ctx, "chan-1", "alice", provider.TransactionInput{SerializedTransaction: "beef"}, "")
	if err != nil {
		t.Fatalf("create lapsed: %v", err)
	}
	db.Model(&models.Proposal{}).Where("id = ?", lapsedID).
		Update("expiration_time", time.Now().Add(-time.Minute))

	purged, err := svc.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected one purge, got %d", purged)
	}
	var remaining models.Proposal
	if err := db.First(&remaining, "id = ?", liveID).Error; err != nil {
		t.Fatalf("live proposal purged: %v", err)
	}
}
