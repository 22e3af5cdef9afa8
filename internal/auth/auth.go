package auth

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"treeserve/internal/config"
	"treeserve/internal/fsutil"
	"treeserve/internal/metrics"
)

type ctxKey string

const userKey ctxKey = "treeserve.user"

// dummyHash is compared against for unknown users so a miss costs about as
// much as a wrong password.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("treeserve"), bcrypt.MinCost)

func UserFromContext(ctx context.Context) string {
	v, _ := ctx.Value(userKey).(string)
	return v
}

func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userKey, user)
}

func HasAuth(cfg *config.Config) bool {
	return len(cfg.Users) > 0
}

// RequireAuth wraps a handler with optional BasicAuth.
// - If cfg.Users is empty: allow all.
// - Else:
//   - if cfg.AuthOptional is false: require valid basic auth
//   - if cfg.AuthOptional is true: allow anonymous; validate creds if present
func RequireAuth(cfg *config.Config, next http.Handler) http.Handler {
	if !HasAuth(cfg) {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cfg.AuthOptional && r.Header.Get("Authorization") == "" {
			// anonymous request
			next.ServeHTTP(w, r)
			return
		}
		u, p, ok := parseBasicAuth(r.Header.Get("Authorization"))
		if !ok {
			deny(w)
			return
		}
		user, ok := cfg.User(u)
		hash := []byte(user.Bcrypt)
		if !ok {
			hash = dummyHash
		}
		if err := bcrypt.CompareHashAndPassword(hash, []byte(p)); err != nil || !ok {
			metrics.RecordAuthAttempt(false)
			deny(w)
			return
		}
		metrics.RecordAuthAttempt(true)
		r = r.WithContext(WithUser(r.Context(), u))
		next.ServeHTTP(w, r)
	})
}

func deny(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="treeserve", charset="UTF-8"`)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func parseBasicAuth(v string) (user, pass string, ok bool) {
	const prefix = "Basic "
	if !strings.HasPrefix(v, prefix) {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(strings.TrimPrefix(v, prefix)))
	if err != nil {
		return "", "", false
	}
	s := string(raw)
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return "", "", false
	}
	u := s[:i]
	p := s[i+1:]
	if u == "" {
		return "", "", false
	}
	if strings.Contains(u, "\x00") || strings.Contains(p, "\x00") {
		return "", "", false
	}
	return u, p, true
}

// ACL evaluation.
type Perm int

const (
	PermRead Perm = iota + 1
	PermArchive
)

// Allowed evaluates the first ACL whose path prefix covers cleanPath.
// cleanPath is a slash path beginning with "/" ("" means root).
func Allowed(cfg *config.Config, user string, cleanPath string, perm Perm) (bool, error) {
	if cleanPath == "" {
		cleanPath = "/"
	}
	if !strings.HasPrefix(cleanPath, "/") {
		return false, errors.New("invalid cleanPath")
	}
	if perm != PermRead && perm != PermArchive {
		return false, errors.New("unknown perm")
	}

	// no-auth mode: allow everything
	if !HasAuth(cfg) {
		return true, nil
	}

	for _, a := range cfg.ACLs {
		if !covers(a.Path, cleanPath) {
			continue
		}
		switch perm {
		case PermRead:
			return containsUser(a.Read, user), nil
		default:
			// Archiving a directory reads all of it.
			return containsUser(a.Read, user) && containsUser(a.Archive, user), nil
		}
	}

	// Default policy when auth enabled but no ACL matches:
	// read and archive for authenticated users only.
	return user != "", nil
}

func covers(aclPath, cleanPath string) bool {
	ap := "/" + fsutil.CleanRelPath(aclPath)
	return ap == "/" || cleanPath == ap || strings.HasPrefix(cleanPath, ap+"/")
}

func containsUser(list []string, u string) bool {
	for _, v := range list {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if v == "*" || subtle.ConstantTimeCompare([]byte(v), []byte(u)) == 1 {
			return true
		}
	}
	return false
}
