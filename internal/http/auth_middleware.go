package httpx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	jwtpkg "github.com/splax/releasectl/pkg/jwt"
)

var (
	errNoToken        = errors.New("no operator token presented")
	errMalformedToken = errors.New("authorization header is not a bearer token")
)

// operatorIdentity is the verified caller of a request. Its name is what
// gets recorded as author, initiator and approver.
type operatorIdentity struct {
	Name string
	Role string
}

type identityKey struct{}

// presentedToken reads the bearer token, or the access_token query value
// for stream clients that cannot set headers.
func presentedToken(req *http.Request) (string, error) {
	header := strings.TrimSpace(req.Header.Get("Authorization"))
	if header == "" {
		if q := strings.TrimSpace(req.URL.Query().Get("access_token")); q != "" {
			return q, nil
		}
		return "", errNoToken
	}
	scheme, raw, found := strings.Cut(header, " ")
	raw = strings.TrimSpace(raw)
	if !found || !strings.EqualFold(scheme, "bearer") || raw == "" {
		return "", errMalformedToken
	}
	return raw, nil
}

func (r *Router) authenticate(req *http.Request) (operatorIdentity, error) {
	raw, err := presentedToken(req)
	if err != nil {
		return operatorIdentity{}, err
	}
	claims, err := jwtpkg.Parse(raw, r.tokenSecret)
	if err != nil {
		return operatorIdentity{}, fmt.Errorf("verify operator token: %w", err)
	}
	return operatorIdentity{Name: claims.Operator, Role: claims.Role}, nil
}

// requireOperator rejects requests without a valid operator token. The
// identity is also handed to the audit recorder so the log names the actor.
func (r *Router) requireOperator(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		id, err := r.authenticate(req)
		if err != nil {
			r.logger.Warn("operator authentication failed", "path", req.URL.Path, "error", err)
			writeError(w, http.StatusUnauthorized, "operator token required")
			return
		}
		ctx := context.WithValue(req.Context(), identityKey{}, id)
		if rec, ok := w.(*statusRecorder); ok {
			rec.identity = &id
		}
		next(w, req.WithContext(ctx))
	}
}

func identityFrom(ctx context.Context) (operatorIdentity, bool) {
	id, ok := ctx.Value(identityKey{}).(operatorIdentity)
	return id, ok
}

// operator names the authenticated caller, or "" when there is none.
func operator(req *http.Request) string {
	id, _ := identityFrom(req.Context())
	return id.Name
}
