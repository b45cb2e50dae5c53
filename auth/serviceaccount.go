package auth

import (
	"os"

	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/jwt"

	"github.com/nshkrdotcom/gemini-go/apierror"
)

// loadJWTConfig parses a GCP service-account JSON key file via
// golang.org/x/oauth2/google, the same parsing google.golang.org client
// libraries use for JWT-bearer service-account auth, rather than
// hand-decoding the subset of fields a token exchange needs.
func loadJWTConfig(path, scope string) (*jwt.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apierror.New(apierror.KindAuthExchangeFailed, "invalid_key_file", err)
	}

	cfg, err := google.JWTConfigFromJSON(data, scope)
	if err != nil {
		return nil, apierror.New(apierror.KindAuthExchangeFailed, "invalid_key_file", err)
	}
	if cfg.Email == "" || len(cfg.PrivateKey) == 0 {
		return nil, apierror.New(apierror.KindAuthExchangeFailed, "invalid_key_file: missing client_email or private_key", nil)
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = "https://oauth2.googleapis.com/token"
	}
	return cfg, nil
}
