// Package provider describes the identity providers a login can be started against.
//
// The recognized set is fixed: Google and Github drive the authorization-code flow
// through the Kiro social login portal, BuilderId drives the AWS SSO OIDC device
// authorization grant and is only reachable through the legacy login path.
//
// A Registry holds the configured subset of that set. Looking up a provider that is
// not recognized, or not configured, fails with ErrUnsupported:
//
//	reg, _ := provider.NewRegistry(provider.Defaults("http://127.0.0.1:4100/oauth/callback")...)
//	google, err := reg.Lookup("Google")
//	authURL := google.AuthCodeURL(state, verifier)
//
// Whether a provider requires PKCE and whether its token endpoint expects JSON instead of
// form-encoded bodies are per-provider settings.
package provider
