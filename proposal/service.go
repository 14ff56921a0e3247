// Package proposal persists transactions awaiting a second signer and drives
// their finalize-and-submit lifecycle.
package proposal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"bwgateway/chain"
	"bwgateway/gwerrors"
	"bwgateway/models"
	"bwgateway/provider"
)

// Pipeline is the slice of the signing pipeline the proposal flow reuses.
type Pipeline interface {
	Prepare(ctx context.Context, channelID, user string, input provider.TransactionInput, chainID string) (*provider.Prepared, error)
	Submit(ctx context.Context, signatures []string, raw []byte) (*chain.PushResult, error)
}

// UsernameResolver resolves display names, best effort.
type UsernameResolver interface {
	Usernames(ctx context.Context, userIDs []string) (map[string]string, error)
}

// Service owns the proposal records.
type Service struct {
	db        *gorm.DB
	pipeline  Pipeline
	usernames UsernameResolver
	allowed   map[string]struct{}
	logger    *slog.Logger
	nowFn     func() time.Time
}

// Config wires a Service. AllowedMethods lists the proposal-eligible
// (contract, method) pairs.
type Config struct {
	DB             *gorm.DB
	Pipeline       Pipeline
	Usernames      UsernameResolver
	AllowedMethods []Method
	Logger         *slog.Logger
}

// Method names one proposal-eligible contract operation.
type Method struct {
	Contract string
	Name     string
}

func methodKey(contract, name string) string {
	return contract + ":" + name
}

func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]struct{}, len(cfg.AllowedMethods))
	for _, m := range cfg.AllowedMethods {
		allowed[methodKey(m.Contract, m.Name)] = struct{}{}
	}
	return &Service{
		db:        cfg.DB,
		pipeline:  cfg.Pipeline,
		usernames: cfg.Usernames,
		allowed:   allowed,
		logger:    logger,
		nowFn:     time.Now,
	}
}

// Create validates the transaction, signs the delegation part when present,
// and parks it until the awaited signer acts. The proposal expires when the
// transaction itself does.
func (s *Service) Create(ctx context.Context, channelID, user string, input provider.TransactionInput, chainID string) (uuid.UUID, error) {
	prepared, err := s.pipeline.Prepare(ctx, channelID, user, input, chainID)
	if err != nil {
		return uuid.Nil, err
	}

	target, err := s.targetAction(prepared)
	if err != nil {
		return uuid.Nil, err
	}

	waitingFor, err := awaitingSigner(target, user)
	if err != nil {
		return uuid.Nil, err
	}

	actionJSON, err := json.Marshal(target)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal target action: %w", err)
	}
	signatures, err := json.Marshal(prepared.Signatures)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal signatures: %w", err)
	}

	record := models.Proposal{
		ID:                    uuid.New(),
		InitiatorID:           user,
		WaitingForUser:        waitingFor.Actor,
		WaitingForPermission:  waitingFor.Permission,
		ActionAccount:         target.Account,
		ActionName:            target.Name,
		ActionJSON:            string(actionJSON),
		SerializedTransaction: input.SerializedTransaction,
		Signatures:            string(signatures),
		ExpirationTime:        prepared.Trx.Expiration.Time,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return uuid.Nil, err
	}
	return record.ID, nil
}

// targetAction picks the single non-delegation action a proposal is about.
func (s *Service) targetAction(prepared *provider.Prepared) (chain.Action, error) {
	var (
		target chain.Action
		count  int
	)
	for i, action := range prepared.Trx.Actions {
		if prepared.Classification.IsDelegation(i) {
			continue
		}
		target = action
		count++
	}
	switch {
	case count == 0:
		return chain.Action{}, gwerrors.ErrNoProposableAction.Wrap("no non-delegation action")
	case count > 1:
		return chain.Action{}, gwerrors.ErrMultipleProposableActions.Wrapf("%d non-delegation actions", count)
	}
	if _, ok := s.allowed[methodKey(target.Account, target.Name)]; !ok {
		return chain.Action{}, gwerrors.ErrMethodNotAllowed.Wrapf("%s:%s", target.Account, target.Name)
	}
	return target, nil
}

// awaitingSigner finds the one authorization entry naming someone other than
// the creator.
func awaitingSigner(target chain.Action, creator string) (chain.PermissionLevel, error) {
	var (
		found chain.PermissionLevel
		count int
	)
	for _, auth := range target.Authorization {
		if auth.Actor == creator {
			continue
		}
		found = auth
		count++
	}
	if count != 1 {
		return chain.PermissionLevel{}, gwerrors.ErrInvalidAwaitingSigner.Wrapf("%d candidate signers", count)
	}
	return found, nil
}

// Item is one listed proposal, enriched with the initiator's display name
// when the directory lookup succeeds.
type Item struct {
	ProposalID            string          `json:"proposalId"`
	InitiatorID           string          `json:"initiatorId"`
	InitiatorUsername     string          `json:"initiatorUsername,omitempty"`
	Action                json.RawMessage `json:"action"`
	SerializedTransaction string          `json:"serializedTransaction"`
	ExpirationTime        time.Time       `json:"expirationTime"`
}

// List returns the non-expired proposals awaiting the user for one contract
// method. Username enrichment is best effort and never fails the listing.
func (s *Service) List(ctx context.Context, user, contract, method string) ([]Item, error) {
	var records []models.Proposal
	err := s.db.WithContext(ctx).
		Where("waiting_for_user = ? AND action_account = ? AND action_name = ? AND expiration_time > ?",
			user, contract, method, s.nowFn()).
		Order("created_at").
		Find(&records).Error
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(records))
	initiators := make([]string, 0, len(records))
	seen := make(map[string]struct{})
	for _, record := range records {
		items = append(items, Item{
			ProposalID:            record.ID.String(),
			InitiatorID:           record.InitiatorID,
			Action:                json.RawMessage(record.ActionJSON),
			SerializedTransaction: record.SerializedTransaction,
			ExpirationTime:        record.ExpirationTime,
		})
		if _, ok := seen[record.InitiatorID]; !ok {
			seen[record.InitiatorID] = struct{}{}
			initiators = append(initiators, record.InitiatorID)
		}
	}
	if len(initiators) > 0 && s.usernames != nil {
		names, err := s.usernames.Usernames(ctx, initiators)
		if err != nil {
			s.logger.Warn("username lookup failed", "err", err)
		} else {
			for i := range items {
				items[i].InitiatorUsername = names[items[i].InitiatorID]
			}
		}
	}
	return items, nil
}

// SignAndExecute appends the awaited signature and submits. The signature
// append is idempotent and persisted before submission, so a chain rejection
// leaves the proposal intact for retry. After a successful submission the
// record is deleted best effort.
func (s *Service) SignAndExecute(ctx context.Context, user, proposalID, signature string) (*chain.PushResult, error) {
	id, err := uuid.Parse(proposalID)
	if err != nil {
		return nil, gwerrors.ErrNotFound.Wrapf("proposal %s", proposalID)
	}

	var record models.Proposal
	err = s.db.WithContext(ctx).
		Where("id = ? AND waiting_for_user = ? AND expiration_time > ?", id, user, s.nowFn()).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, gwerrors.ErrNotFound.Wrapf("proposal %s", proposalID)
		}
		return nil, err
	}

	var signatures []string
	if record.Signatures != "" {
		if err := json.Unmarshal([]byte(record.Signatures), &signatures); err != nil {
			return nil, fmt.Errorf("unmarshal stored signatures: %w", err)
		}
	}
	if !containsSignature(signatures, signature) {
		signatures = append(signatures, signature)
		updated, err := json.Marshal(signatures)
		if err != nil {
			return nil, fmt.Errorf("marshal signatures: %w", err)
		}
		err = s.db.WithContext(ctx).
			Model(&models.Proposal{}).
			Where("id = ?", record.ID).
			Update("signatures", string(updated)).Error
		if err != nil {
			return nil, err
		}
	}

	raw, err := chain.DecodeHex(record.SerializedTransaction)
	if err != nil {
		return nil, err
	}
	result, err := s.pipeline.Submit(ctx, signatures, raw)
	if err != nil {
		return nil, err
	}

	// The chain submission is the durable outcome; a failed cleanup only
	// leaves a row for the reaper.
	if err := s.db.WithContext(ctx).Delete(&models.Proposal{}, "id = ?", record.ID).Error; err != nil {
		s.logger.Error("proposal cleanup failed", "proposalId", record.ID, "err", err)
	}
	return result, nil
}

// PurgeExpired deletes every lapsed proposal and reports the count.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expiration_time <= ?", s.nowFn()).
		Delete(&models.Proposal{})
	return res.RowsAffected, res.Error
}

func containsSignature(signatures []string, signature string) bool {
	for _, s := range signatures {
		if s == signature {
			return true
		}
	}
	return false
}
