// Package access derives the single gate every gated screen consults before
// showing content or running background polls. Evaluation is a pure function
// of the subscription, verification and profile inputs; State holds the
// process-wide result and Monitor keeps it fresh.
package access

import (
	"encoding/json"
	"strings"
)

// Role is the signed-in account type.
type Role string

const (
	RoleUser   Role = "user"
	RoleVendor Role = "vendor"
	RoleAdmin  Role = "admin"
)

// VerificationStatus is the profile verification state reported by the server.
type VerificationStatus string

const (
	VerificationNone     VerificationStatus = "none"
	VerificationPending  VerificationStatus = "pending"
	VerificationApproved VerificationStatus = "approved"
	VerificationRejected VerificationStatus = "rejected"
)

// GateKind enumerates the gate outcomes.
type GateKind int

const (
	GateOpen GateKind = iota
	GateBlockedBySubscription
	GateBlockedByVerification
	GateBlockedByIncompleteProfile
)

func (k GateKind) String() string {
	switch k {
	case GateOpen:
		return "open"
	case GateBlockedBySubscription:
		return "blocked_by_subscription"
	case GateBlockedByVerification:
		return "blocked_by_verification"
	case GateBlockedByIncompleteProfile:
		return "blocked_by_incomplete_profile"
	default:
		return "unknown"
	}
}

// Gate is the derived access decision. Status and Reason are set only for
// GateBlockedByVerification.
type Gate struct {
	Kind   GateKind
	Status VerificationStatus
	Reason string
}

var (
	Open                       = Gate{Kind: GateOpen}
	BlockedBySubscription      = Gate{Kind: GateBlockedBySubscription}
	BlockedByIncompleteProfile = Gate{Kind: GateBlockedByIncompleteProfile}
)

// BlockedByVerification returns the verification gate for status.
func BlockedByVerification(status VerificationStatus, reason string) Gate {
	return Gate{Kind: GateBlockedByVerification, Status: status, Reason: reason}
}

func (g Gate) IsOpen() bool { return g.Kind == GateOpen }

func (g Gate) String() string { return g.Kind.String() }

func (g Gate) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind   string             `json:"kind"`
		Status VerificationStatus `json:"status,omitempty"`
		Reason string             `json:"reason,omitempty"`
	}{g.Kind.String(), g.Status, g.Reason})
}

// Inputs are the signals the gate is derived from.
type Inputs struct {
	SubscriptionActive bool               `json:"subscription_active"`
	Verification       VerificationStatus `json:"verification_status"`
	VerificationReason string             `json:"verification_reason,omitempty"`
	ProfileComplete    bool               `json:"profile_complete"`
	Role               Role               `json:"role"`
}

// Evaluate checks subscription, then verification, then completeness. The
// first failing check wins. Vendors and admins are never gated.
func Evaluate(subscriptionActive bool, verification VerificationStatus, profileComplete bool, role Role) Gate {
	return EvaluateInputs(Inputs{
		SubscriptionActive: subscriptionActive,
		Verification:       verification,
		ProfileComplete:    profileComplete,
		Role:               role,
	})
}

// EvaluateInputs is Evaluate over an Inputs value, carrying the verification
// reason into the gate.
func EvaluateInputs(in Inputs) Gate {
	if in.Role == RoleVendor || in.Role == RoleAdmin {
		return Open
	}
	if !in.SubscriptionActive {
		return BlockedBySubscription
	}
	if in.Verification == VerificationPending || in.Verification == VerificationRejected {
		return BlockedByVerification(in.Verification, in.VerificationReason)
	}
	if !in.ProfileComplete {
		return BlockedByIncompleteProfile
	}
	return Open
}

// MinPhotos is the number of photos a complete profile carries.
const MinPhotos = 3

// Profile is the subset of the signed-in user's profile the gate reads.
type Profile struct {
	FirstName          string             `json:"first_name"`
	LastName           string             `json:"last_name"`
	DateOfBirth        string             `json:"date_of_birth"`
	City               string             `json:"city"`
	State              string             `json:"state"`
	Religion           string             `json:"religion"`
	Caste              string             `json:"caste"`
	Photos             []string           `json:"photos"`
	VerificationStatus VerificationStatus `json:"verification_status"`
	VerificationReason string             `json:"verification_reason,omitempty"`
}

// ProfileComplete reports whether p has every required field and at least
// MinPhotos photos. A nil profile is incomplete.
func ProfileComplete(p *Profile) bool {
	if p == nil {
		return false
	}
	for _, f := range []string{p.FirstName, p.LastName, p.DateOfBirth, p.City, p.State, p.Religion, p.Caste} {
		if strings.TrimSpace(f) == "" {
			return false
		}
	}
	return len(p.Photos) >= MinPhotos
}
