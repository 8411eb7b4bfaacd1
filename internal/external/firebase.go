package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"billingrelay/internal/types"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"
)

// FirebaseAppConfig selects the service account used for the identity
// service and Firestore. When neither a file nor inline credentials are given,
// Application Default Credentials apply (and the emulator env vars are
// honored by the SDK).
type FirebaseAppConfig struct {
	ProjectID       string
	ClientEmail     string
	PrivateKeyPEM   string
	CredentialsFile string
}

// NewFirebaseApp initializes the Firebase Admin SDK app.
func NewFirebaseApp(ctx context.Context, cfg FirebaseAppConfig) (*firebase.App, error) {
	opts, err := firebaseClientOptions(cfg)
	if err != nil {
		return nil, err
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("initializing firebase app (project=%s): %w", cfg.ProjectID, err)
	}
	return app, nil
}

func firebaseClientOptions(cfg FirebaseAppConfig) ([]option.ClientOption, error) {
	switch {
	case cfg.CredentialsFile != "":
		return []option.ClientOption{option.WithCredentialsFile(cfg.CredentialsFile)}, nil
	case cfg.ClientEmail != "" && cfg.PrivateKeyPEM != "":
		creds, err := serviceAccountJSON(cfg)
		if err != nil {
			return nil, err
		}
		return []option.ClientOption{option.WithCredentialsJSON(creds)}, nil
	default:
		return nil, nil
	}
}

// serviceAccountJSON assembles the credentials document the Google auth
// libraries expect from the individual env-provided fields.
func serviceAccountJSON(cfg FirebaseAppConfig) ([]byte, error) {
	doc := map[string]string{
		"type":         "service_account",
		"project_id":   cfg.ProjectID,
		"client_email": cfg.ClientEmail,
		"private_key":  cfg.PrivateKeyPEM,
		"token_uri":    "https://oauth2.googleapis.com/token",
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding service account credentials: %w", err)
	}
	return b, nil
}

// idTokenVerifier is the subset of *auth.Client used by FirebaseAuthenticator.
type idTokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error)
}

// FirebaseAuthenticator resolves Firebase ID tokens into actors. The token's
// uid is the user record key.
type FirebaseAuthenticator struct {
	verifier idTokenVerifier
	logger   *slog.Logger

	// classify maps verifier errors to auth codes; swappable in tests.
	classify func(error) types.ErrorCode
}

// NewFirebaseAuthenticator creates an authenticator backed by the given
// Firebase Auth client.
func NewFirebaseAuthenticator(client *auth.Client, logger *slog.Logger) *FirebaseAuthenticator {
	return newFirebaseAuthenticator(client, logger)
}

func newFirebaseAuthenticator(v idTokenVerifier, logger *slog.Logger) *FirebaseAuthenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &FirebaseAuthenticator{
		verifier: v,
		logger:   logger,
		classify: classifyFirebaseTokenError,
	}
}

// ResolveToken validates the bearer token and returns the caller identity.
func (a *FirebaseAuthenticator) ResolveToken(ctx context.Context, token string) (*types.Actor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, types.NewAppError(types.ErrCodeAuthTokenMissing, "missing bearer token", nil)
	}

	tok, err := a.verifier.VerifyIDToken(ctx, token)
	if err != nil {
		code := a.classify(err)
		a.logger.DebugContext(ctx, "id token rejected", "code", code, "error", err)
		msg := "invalid token"
		if code == types.ErrCodeAuthTokenExpired {
			msg = "token has expired"
		}
		return nil, types.NewAppError(code, msg, err)
	}
	if tok == nil || tok.UID == "" {
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid token", nil)
	}

	actor := &types.Actor{ID: tok.UID, Type: types.ActorTypeUser}
	if email, ok := tok.Claims["email"].(string); ok {
		actor.Email = email
	}
	return actor, nil
}

func classifyFirebaseTokenError(err error) types.ErrorCode {
	if auth.IsIDTokenExpired(err) {
		return types.ErrCodeAuthTokenExpired
	}
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return types.ErrCodeAuthTokenInvalid
}
