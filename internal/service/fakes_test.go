package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/sakif/code-aura/internal/apperror"
	"github.com/sakif/code-aura/internal/auth"
	"github.com/sakif/code-aura/internal/model"
	"github.com/sakif/code-aura/internal/repository"
)

// =========================================================================
// FAKE STORE
// =========================================================================

// fakeStore is an in-memory implementation of repository.UserRepository,
// repository.OAuthRepository and repository.TokenDenylist.
//
// Using a fake (not a mock framework) keeps tests easy to read: you can see
// exactly what the fake does. It enforces the same uniqueness rules as the
// SQLite schema (case-insensitive username and email).
type fakeStore struct {
	mu      sync.Mutex
	users   map[int64]*model.User
	links   map[int64]*model.OAuthLink
	revoked map[string]time.Time
	nextID  int64

	// set to a non-nil error to simulate a database failure
	failWith error
	// usernames UsernameExists reports as taken without a real row
	reservedUsernames map[string]bool
}

var (
	_ repository.UserRepository  = (*fakeStore)(nil)
	_ repository.OAuthRepository = (*fakeStore)(nil)
	_ repository.TokenDenylist   = (*fakeStore)(nil)
)

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:             make(map[int64]*model.User),
		links:             make(map[int64]*model.OAuthLink),
		revoked:           make(map[string]time.Time),
		reservedUsernames: make(map[string]bool),
	}
}

func (f *fakeStore) id() int64 {
	f.nextID++
	return f.nextID
}

func (f *fakeStore) conflictFor(u *model.User) error {
	for _, existing := range f.users {
		if existing.ID == u.ID {
			continue
		}
		if strings.EqualFold(existing.Email, u.Email) {
			return apperror.Conflict("email", "Email already registered")
		}
		if strings.EqualFold(existing.Username, u.Username) {
			return apperror.Conflict("username", "Username already taken")
		}
	}
	return nil
}

func (f *fakeStore) CreateUser(_ context.Context, u *model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	return f.insertUser(u)
}

func (f *fakeStore) insertUser(u *model.User) error {
	if err := f.conflictFor(u); err != nil {
		return err
	}
	u.ID = f.id()
	u.CreatedAt = time.Now()
	u.UpdatedAt = u.CreatedAt
	if u.Role == "" {
		u.Role = model.RoleUser
	}
	copied := *u
	f.users[u.ID] = &copied
	return nil
}

func (f *fakeStore) GetUserByID(_ context.Context, id int64) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	u, ok := f.users[id]
	if !ok {
		return nil, apperror.NotFound("user", strconv.FormatInt(id, 10))
	}
	copied := *u
	return &copied, nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	for _, u := range f.users {
		if strings.EqualFold(u.Email, email) {
			copied := *u
			return &copied, nil
		}
	}
	return nil, apperror.NotFound("user", email)
}

func (f *fakeStore) GetUserByUsername(_ context.Context, username string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if strings.EqualFold(u.Username, username) {
			copied := *u
			return &copied, nil
		}
	}
	return nil, apperror.NotFound("user", username)
}

func (f *fakeStore) UsernameExists(_ context.Context, username string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return false, f.failWith
	}
	if f.reservedUsernames[strings.ToLower(username)] {
		return true, nil
	}
	for _, u := range f.users {
		if strings.EqualFold(u.Username, username) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) UpdateUser(_ context.Context, u *model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[u.ID]; !ok {
		return apperror.NotFound("user", strconv.FormatInt(u.ID, 10))
	}
	if err := f.conflictFor(u); err != nil {
		return err
	}
	u.UpdatedAt = time.Now()
	copied := *u
	f.users[u.ID] = &copied
	return nil
}

func (f *fakeStore) TouchLastLogin(_ context.Context, id int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return apperror.NotFound("user", strconv.FormatInt(id, 10))
	}
	u.LastLogin = &at
	return nil
}

func (f *fakeStore) DeleteUser(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[id]; !ok {
		return apperror.NotFound("user", strconv.FormatInt(id, 10))
	}
	delete(f.users, id)
	for lid, l := range f.links {
		if l.UserID == id {
			delete(f.links, lid)
		}
	}
	return nil
}

func (f *fakeStore) sortedUsers() []model.User {
	out := make([]model.User, 0, len(f.users))
	for _, u := range f.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *fakeStore) ListUsers(_ context.Context, opts repository.ListOptions) ([]model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.sortedUsers()
	if opts.Offset >= len(all) {
		return []model.User{}, nil
	}
	end := opts.Offset + opts.Limit
	if end > len(all) {
		end = len(all)
	}
	return all[opts.Offset:end], nil
}

func (f *fakeStore) RecentUsers(_ context.Context, limit int) ([]model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.sortedUsers()
	out := make([]model.User, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (f *fakeStore) CountUsers(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.users), nil
}

func (f *fakeStore) UserStats(_ context.Context) (*model.UserStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := &model.UserStats{LinksByProvider: map[model.Provider]int{}}
	linked := map[int64]bool{}
	for _, u := range f.users {
		stats.TotalUsers++
		if u.Role == model.RoleAdmin {
			stats.AdminUsers++
		}
	}
	for _, l := range f.links {
		stats.LinksByProvider[l.Provider]++
		linked[l.UserID] = true
	}
	stats.OAuthUsers = len(linked)
	return stats, nil
}

func (f *fakeStore) GetOAuthLink(_ context.Context, p model.Provider, subject string) (*model.OAuthLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	for _, l := range f.links {
		if l.Provider == p && l.ProviderUserID == subject {
			copied := *l
			return &copied, nil
		}
	}
	return nil, apperror.NotFound("oauth link", subject)
}

func (f *fakeStore) ListOAuthLinks(_ context.Context, userID int64) ([]model.OAuthLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []model.OAuthLink{}
	for _, l := range f.links {
		if l.UserID == userID {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) CreateOAuthLink(_ context.Context, l *model.OAuthLink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.insertLink(l)
}

func (f *fakeStore) insertLink(l *model.OAuthLink) error {
	for _, existing := range f.links {
		if existing.Provider == l.Provider && existing.ProviderUserID == l.ProviderUserID {
			return apperror.Conflict("provider_user_id", "already linked")
		}
	}
	l.ID = f.id()
	l.CreatedAt = time.Now()
	copied := *l
	f.links[l.ID] = &copied
	return nil
}

func (f *fakeStore) RefreshOAuthLink(_ context.Context, l *model.OAuthLink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.links[l.ID]; !ok {
		return apperror.NotFound("oauth link", fmt.Sprint(l.ID))
	}
	copied := *l
	f.links[l.ID] = &copied
	return nil
}

func (f *fakeStore) CreateUserWithOAuthLink(_ context.Context, u *model.User, l *model.OAuthLink) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	// All-or-nothing: check the link first so a failure leaves no user behind.
	for _, existing := range f.links {
		if existing.Provider == l.Provider && existing.ProviderUserID == l.ProviderUserID {
			return apperror.Conflict("provider_user_id", "already linked")
		}
	}
	if err := f.insertUser(u); err != nil {
		return err
	}
	l.UserID = u.ID
	return f.insertLink(l)
}

func (f *fakeStore) Revoke(_ context.Context, id string, exp time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[id] = exp
	return nil
}

func (f *fakeStore) IsRevoked(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.revoked[id]
	return ok, nil
}

// =========================================================================
// FAKE PROVIDER
// =========================================================================

// fakeProvider returns a canned identity for code "good-code".
type fakeProvider struct {
	name        model.Provider
	identity    auth.ExternalIdentity
	exchangeErr error
	fetchErr    error
}

func (p *fakeProvider) Name() model.Provider        { return p.name }
func (p *fakeProvider) AuthURL(state string) string { return "https://provider.example/authorize?state=" + state }

func (p *fakeProvider) Exchange(_ context.Context, code string) (*oauth2.Token, error) {
	if p.exchangeErr != nil {
		return nil, p.exchangeErr
	}
	if code != "good-code" {
		return nil, apperror.ProviderFailure(string(p.name), "exchanging authorization code failed", nil)
	}
	return &oauth2.Token{AccessToken: "access-" + p.identity.SubjectID, RefreshToken: "refresh"}, nil
}

func (p *fakeProvider) FetchIdentity(_ context.Context, tok *oauth2.Token) (*auth.ExternalIdentity, error) {
	if p.fetchErr != nil {
		return nil, p.fetchErr
	}
	id := p.identity
	id.Provider = p.name
	id.AccessToken = tok.AccessToken
	id.RefreshToken = tok.RefreshToken
	return &id, nil
}

// =========================================================================
// SERVICE CONSTRUCTORS
// =========================================================================

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestTokens(t *testing.T, store *fakeStore) *auth.TokenService {
	t.Helper()
	ts, err := auth.NewTokenService("test-secret-at-least-16-chars!!", auth.WithDenylist(store))
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	return ts
}

// Cost 4 is bcrypt minimum: makes tests fast
func newTestPasswords() *auth.PasswordService {
	return auth.NewPasswordServiceForTest(4)
}

func newTestAuthService(t *testing.T, store *fakeStore) *AuthService {
	t.Helper()
	return NewAuthService(store, store, newTestTokens(t, store), newTestPasswords(), testLogger())
}

func newTestOAuthService(t *testing.T, store *fakeStore) *OAuthService {
	t.Helper()
	return NewOAuthService(store, store, newTestTokens(t, store), newTestPasswords(), testLogger())
}

func newTestAdminService(store *fakeStore) *AdminService {
	return NewAdminService(store, newTestPasswords(), testLogger())
}
