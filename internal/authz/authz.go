// Package authz holds the request principal and the feature-based
// authorization rules.
package authz

import "github.com/example/authority/internal/models"

// Features understood by the service.
const (
	FeatureReadActivationToken = "read:activation_token"
	FeatureCreateSession       = "create:session"
	FeatureReadSession         = "read:session"
	FeatureCreateUser          = "create:user"
	FeatureUpdateUser          = "update:user"
	FeatureUpdateOtherUsers    = "update:user:others"
)

// AnonymousFeatures returns the fixed feature set carried by requests
// without a valid session.
func AnonymousFeatures() []string {
	return []string{FeatureReadActivationToken, FeatureCreateSession, FeatureCreateUser}
}

// RegisteredFeatures returns the features of a freshly registered, not yet
// activated account.
func RegisteredFeatures() []string {
	return []string{FeatureReadActivationToken}
}

// ActivatedFeatures returns the features granted on activation. They replace
// whatever the account held before.
func ActivatedFeatures() []string {
	return []string{FeatureCreateSession, FeatureReadSession, FeatureUpdateUser}
}

// Principal is the identity attached to a request. Anonymous principals have
// an empty ID.
type Principal struct {
	ID       string   `json:"id,omitempty"`
	Username string   `json:"username,omitempty"`
	Email    string   `json:"email,omitempty"`
	Features []string `json:"features"`
}

// Anonymous returns a principal with the default anonymous features.
func Anonymous() Principal {
	return Principal{Features: AnonymousFeatures()}
}

// FromUser builds an authenticated principal from u. The password hash is
// not carried over.
func FromUser(u *models.User) Principal {
	features := []string{}
	if u.Features != nil {
		features = append(features, u.Features...)
	}
	return Principal{ID: u.ID, Username: u.Username, Email: u.Email, Features: features}
}

// Authenticated reports whether p was resolved from a session.
func (p Principal) Authenticated() bool { return p.ID != "" }

// Has reports whether feature is in p's feature set.
func (p Principal) Has(feature string) bool {
	for _, f := range p.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// Resource identifies the entity an action targets.
type Resource struct {
	ID string
}

// Can reports whether p may perform the action guarded by feature. For
// update:user with a target resource, holding the feature is not enough: the
// resource must be p itself or p must also hold update:user:others.
func Can(p Principal, feature string, resource *Resource) bool {
	if !p.Has(feature) {
		return false
	}
	if feature != FeatureUpdateUser || resource == nil {
		return true
	}
	if p.ID != "" && resource.ID == p.ID {
		return true
	}
	return Can(p, FeatureUpdateOtherUsers, resource)
}
