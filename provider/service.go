package provider

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"bwgateway/chain"
	"bwgateway/gwerrors"
)

// Authorizer is the whitelist capability the signing pipeline depends on.
type Authorizer interface {
	IsAllowed(ctx context.Context, channelID, user string, communityIDs, userIDs []string) (bool, error)
}

// TransactionInput is the caller-supplied transaction: the hex-serialized
// payload plus any signatures already collected.
type TransactionInput struct {
	Signatures            []string `json:"signatures"`
	SerializedTransaction string   `json:"serializedTransaction"`
}

// Service orchestrates validate, authorize, sign, and submit.
type Service struct {
	node      chain.NodeClient
	signer    chain.Signer
	auth      Authorizer
	validator *Validator
	audit     *AuditRecorder
	logger    *slog.Logger
}

// Config wires a Service.
type Config struct {
	Node       chain.NodeClient
	Signer     chain.Signer
	Authorizer Authorizer
	Validator  *Validator
	Audit      *AuditRecorder
	Logger     *slog.Logger
}

func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		node:      cfg.Node,
		signer:    cfg.Signer,
		auth:      cfg.Authorizer,
		validator: cfg.Validator,
		audit:     cfg.Audit,
		logger:    logger,
	}
}

// Validator exposes the classification rules for the proposal flow.
func (s *Service) Validator() *Validator { return s.validator }

// Prepared is a transaction that passed validation and, when needed,
// authorization and signing. Signatures holds the full ordered set ready for
// submission.
type Prepared struct {
	Trx            *chain.Transaction
	Classification *Classification
	Signatures     []string
}

// Provide runs the full pipeline for one transaction. Transactions without a
// delegation action are relayed unmodified.
func (s *Service) Provide(ctx context.Context, channelID, user string, input TransactionInput, chainID string) (*chain.PushResult, error) {
	prepared, err := s.Prepare(ctx, channelID, user, input, chainID)
	if err != nil {
		return nil, err
	}

	s.audit.Record(user, prepared.Trx, prepared.Classification.NeedsProviding)

	return s.Submit(ctx, prepared.Signatures, prepared.Trx.Raw)
}

// Prepare decodes, validates, and, for delegating transactions, authorizes
// the caller and appends the provider signature after the existing ones.
func (s *Service) Prepare(ctx context.Context, channelID, user string, input TransactionInput, chainID string) (*Prepared, error) {
	raw, err := chain.DecodeHex(input.SerializedTransaction)
	if err != nil {
		return nil, err
	}

	trx, err := s.node.DeserializeTransaction(ctx, raw)
	if err != nil {
		s.logger.Error("transaction deserialization failed", "user", user, "err", err)
		return nil, gwerrors.ErrDeserialize.Wrapf("%v", err)
	}

	res, err := s.validator.Verify(trx)
	if err != nil {
		return nil, err
	}

	signatures := append([]string(nil), input.Signatures...)
	if res.NeedsProviding {
		if err := s.authorize(ctx, channelID, user, res); err != nil {
			return nil, err
		}
		provided, err := s.signer.Sign(raw, chainID)
		if err != nil {
			s.logger.Error("transaction sign failed", "user", user, "err", err)
			return nil, gwerrors.ErrTransactionFailed.Wrapf("sign: %v", err)
		}
		signatures = append(signatures, provided...)
	}

	return &Prepared{Trx: trx, Classification: res, Signatures: signatures}, nil
}

func (s *Service) authorize(ctx context.Context, channelID, user string, res *Classification) error {
	allowed, err := s.auth.IsAllowed(ctx, channelID, user, res.CommunityIDs, res.UserIDs)
	if err != nil {
		if errors.Is(err, gwerrors.ErrBanned) {
			return err
		}
		s.logger.Error("whitelist check failed", "user", user, "err", err)
		return gwerrors.ErrNotAuthorized.Wrapf("%v", err)
	}
	if !allowed {
		return gwerrors.ErrNotAuthorized.Wrapf("user %s", user)
	}
	return nil
}

// Submit pushes a signed transaction and reclassifies failures: a structured
// node rejection keeps its payload under ErrChainRejected, anything else is
// ErrTransactionFailed. Submissions are never retried here.
func (s *Service) Submit(ctx context.Context, signatures []string, raw []byte) (*chain.PushResult, error) {
	result, err := s.node.PushTransaction(ctx, signatures, raw)
	if err == nil {
		return result, nil
	}

	var nodeErr *chain.NodeError
	if errors.As(err, &nodeErr) {
		payload, marshalErr := json.Marshal(nodeErr)
		if marshalErr != nil {
			payload = nil
		}
		return nil, gwerrors.ErrChainRejected.WithData(payload)
	}
	s.logger.Error("transaction send failed", "err", err)
	return nil, gwerrors.ErrTransactionFailed.Wrapf("%v", err)
}
