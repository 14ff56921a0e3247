// Package provider implements the co-signing pipeline: transaction
// classification, whitelist authorization, provider signing, and submission.
package provider

import (
	"bwgateway/chain"
	"bwgateway/gwerrors"
)

// Policy captures the chain identities a qualifying delegation action must
// carry, plus the optional contract allow-list.
type Policy struct {
	SystemAccount      string
	DelegationAction   string
	ProviderAccount    string
	ProviderPermission string
	AllowedContracts   []string
}

// Validator classifies decoded transactions against the provider policy. All
// methods are pure over their input.
type Validator struct {
	policy  Policy
	allowed map[string]struct{}
}

func NewValidator(policy Policy) *Validator {
	var allowed map[string]struct{}
	if len(policy.AllowedContracts) > 0 {
		allowed = make(map[string]struct{}, len(policy.AllowedContracts))
		for _, contract := range policy.AllowedContracts {
			allowed[contract] = struct{}{}
		}
	}
	return &Validator{policy: policy, allowed: allowed}
}

// Classification is the validator's verdict on one transaction.
type Classification struct {
	// NeedsProviding is true when the transaction carries a qualifying
	// delegation action and therefore needs the provider's signature.
	NeedsProviding bool
	// delegation marks the indices of qualifying delegation actions within
	// the transaction's action list.
	delegation map[int]struct{}
	// CommunityIDs and UserIDs scope the blacklist gates.
	CommunityIDs []string
	UserIDs      []string
}

// IsDelegation reports whether the action at index i qualified.
func (c *Classification) IsDelegation(i int) bool {
	_, ok := c.delegation[i]
	return ok
}

// Verify inspects the action list and either rejects the transaction on a
// structural violation or classifies it. When no delegation action is
// present the transaction is structurally fine and simply needs no provider
// signature.
func (v *Validator) Verify(trx *chain.Transaction) (*Classification, error) {
	res := &Classification{delegation: make(map[int]struct{})}
	for i, action := range trx.Actions {
		if v.isDelegationAction(action) {
			res.delegation[i] = struct{}{}
		}
	}
	if len(res.delegation) == 0 {
		return res, nil
	}
	res.NeedsProviding = true

	for i, action := range trx.Actions {
		if v.allowed != nil {
			if _, ok := v.allowed[action.Account]; !ok {
				return nil, gwerrors.ErrDisallowedContract.Wrapf("contract %s", action.Account)
			}
		}
		if _, ok := res.delegation[i]; ok {
			continue
		}
		for _, auth := range action.Authorization {
			if auth.Actor == v.policy.ProviderAccount {
				return nil, gwerrors.ErrScopeViolation.Wrapf("action %s:%s", action.Account, action.Name)
			}
		}
	}

	res.CommunityIDs = extractCommunityIDs(trx)
	res.UserIDs = extractUserIDs(trx)
	return res, nil
}

func (v *Validator) isDelegationAction(action chain.Action) bool {
	return action.Account == v.policy.SystemAccount &&
		action.Name == v.policy.DelegationAction &&
		len(action.Authorization) == 1 &&
		action.Authorization[0].Actor == v.policy.ProviderAccount &&
		action.Authorization[0].Permission == v.policy.ProviderPermission &&
		action.StringField("provider") == v.policy.ProviderAccount
}

// extractCommunityIDs collects the community codes the transaction touches.
func extractCommunityIDs(trx *chain.Transaction) []string {
	var ids []string
	for _, action := range trx.Actions {
		if id := action.StringField("commun_code"); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// extractUserIDs collects users referenced as pinning targets or message
// authors, for the per-user blacklist gate.
func extractUserIDs(trx *chain.Transaction) []string {
	var ids []string
	for _, action := range trx.Actions {
		if id := action.StringField("pinning"); id != "" {
			ids = append(ids, id)
		}
		if id := action.NestedStringField("message_id", "author"); id != "" {
			ids = append(ids, id)
		}
		if id := action.NestedStringField("parent_id", "author"); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
