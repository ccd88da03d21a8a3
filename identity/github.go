// Package identity verifies bearer tokens and maps them to a subject id.
package identity

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/arkantrust/donation-settlement/apperr"
)

// Identity is a verified caller.
type Identity struct {
	SubjectID string `json:"subjectId"`
	Login     string `json:"login,omitempty"`
}

// Verifier checks a bearer token.
type Verifier interface {
	VerifyIdentity(ctx context.Context, token string) (Identity, error)
}

// GitHubVerifier accepts GitHub OAuth tokens by asking the GitHub API who
// they belong to.
type GitHubVerifier struct {
	apiURL  string
	base    *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// NewGitHubVerifier returns a verifier against apiURL (https://api.github.com).
func NewGitHubVerifier(apiURL string, timeout time.Duration, logger *slog.Logger) *GitHubVerifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GitHubVerifier{
		apiURL:  strings.TrimRight(apiURL, "/"),
		base:    &http.Client{},
		timeout: timeout,
		logger:  logger,
	}
}

// VerifyIdentity resolves token to "github:<user id>". Any failure,
// including an unreachable API, is Unauthenticated.
func (v *GitHubVerifier) VerifyIdentity(ctx context.Context, token string) (Identity, error) {
	const op = "identity.VerifyIdentity"
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, apperr.New(apperr.Unauthenticated, op, "missing token")
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	client := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, v.base),
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.apiURL+"/user", nil)
	if err != nil {
		return Identity{}, apperr.Wrap(apperr.Unauthenticated, op, err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := client.Do(req)
	if err != nil {
		v.logger.Warn("identity check failed", "error", err)
		return Identity{}, apperr.Wrap(apperr.Unauthenticated, op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Identity{}, apperr.New(apperr.Unauthenticated, op, "token rejected with status %d", resp.StatusCode)
	}

	var user struct {
		ID    int64  `json:"id"`
		Login string `json:"login"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&user); err != nil {
		return Identity{}, apperr.Wrap(apperr.Unauthenticated, op, err)
	}
	if user.ID == 0 {
		return Identity{}, apperr.New(apperr.Unauthenticated, op, "user has no id")
	}
	return Identity{SubjectID: "github:" + strconv.FormatInt(user.ID, 10), Login: user.Login}, nil
}
