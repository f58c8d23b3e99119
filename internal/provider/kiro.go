package provider

const (
	// kiroAuthBaseURL is the Kiro desktop auth service fronting the Cognito user pool
	// for social (Google, Github) sign-in.
	kiroAuthBaseURL = "https://prod.us-east-1.auth.desktop.kiro.dev"

	// builderIDOIDCBaseURL is the AWS SSO OIDC endpoint used for Builder ID.
	builderIDOIDCBaseURL = "https://oidc.us-east-1.amazonaws.com"

	// BuilderIDStartURL is the start URL identifying the Builder ID directory.
	BuilderIDStartURL = "https://view.awsapps.com/start"
)

// builderIDScopes are the CodeWhisperer scopes requested for Builder ID sign-in.
var builderIDScopes = []string{
	"codewhisperer:completions",
	"codewhisperer:analysis",
	"codewhisperer:conversations",
}

// Defaults returns the built-in Google and Github configurations, redirecting to
// redirectURL. Builder ID needs a registered client and is built with BuilderIDDefaults.
func Defaults(redirectURL string) []Config {
	return []Config{
		kiroSocial(Google, redirectURL),
		kiroSocial(Github, redirectURL),
	}
}

func kiroSocial(id ID, redirectURL string) Config {
	return Config{
		ID:            id,
		Flow:          FlowAuthorizationCode,
		AuthURL:       kiroAuthBaseURL + "/login",
		TokenURL:      kiroAuthBaseURL + "/oauth/token",
		RefreshURL:    kiroAuthBaseURL + "/refreshToken",
		RedirectURL:   redirectURL,
		PKCE:          true,
		TokenEncoding: EncodingJSON,
		IdP:           string(id),
	}
}

// BuilderIDDefaults returns the Builder ID device flow configuration for a client
// registered with AWS SSO OIDC.
func BuilderIDDefaults(clientID, clientSecret string) Config {
	return Config{
		ID:            BuilderID,
		Flow:          FlowDevice,
		ClientID:      clientID,
		ClientSecret:  clientSecret,
		DeviceAuthURL: builderIDOIDCBaseURL + "/device_authorization",
		TokenURL:      builderIDOIDCBaseURL + "/token",
		StartURL:      BuilderIDStartURL,
		Scopes:        builderIDScopes,
		TokenEncoding: EncodingJSON,
	}
}
