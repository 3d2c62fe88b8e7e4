package coordinator

// AuthEventKind is the kind of authentication state change.
type AuthEventKind string

const (
	AuthSignedIn       AuthEventKind = "signed_in"
	AuthSignedOut      AuthEventKind = "signed_out"
	AuthTokenRefreshed AuthEventKind = "token_refreshed"
)

// AuthEvent is one authentication state change delivered by the
// authentication collaborator.
type AuthEvent struct {
	Kind AuthEventKind
}

// AuthProvider is the sync core's view of the authentication
// collaborator: an inbound event channel, nothing more. Credential
// material flows separately, through the remote package's
// CredentialFunc, so token refresh never requires rewiring components.
type AuthProvider interface {
	// Events returns the authentication event channel. The channel is
	// closed when the provider shuts down.
	Events() <-chan AuthEvent
}
