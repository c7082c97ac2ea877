package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kinship-social/apiserver/internal/auth"
	"github.com/kinship-social/apiserver/internal/store"
	"github.com/kinship-social/apiserver/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: make(map[string][]byte)}
}

func (f *fakeStorage) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	if f.putErr != nil {
		return f.putErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

func (f *fakeStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeStorage) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeStorage) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.objects))
	for key := range f.objects {
		keys = append(keys, key)
	}
	return keys
}

type fakePublisher struct {
	mu       sync.Mutex
	channels []string
	events   []types.AccountEvent
	err      error
}

func (f *fakePublisher) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	var event types.AccountEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels = append(f.channels, channel)
	f.events = append(f.events, event)
	return "msg-1", nil
}

func (f *fakePublisher) eventTypes() []types.AccountEventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.AccountEventType, 0, len(f.events))
	for _, event := range f.events {
		out = append(out, event.Type)
	}
	return out
}

type testEnv struct {
	svc       *UserService
	repo      *store.MemoryUserRepository
	issuer    *auth.TokenIssuer
	pictures  *fakeStorage
	publisher *fakePublisher
}

func newTestEnv(t *testing.T, opts ...Option) testEnv {
	t.Helper()

	issuer, err := auth.NewTokenIssuer("test-secret", 365*24*time.Hour)
	require.NoError(t, err)

	env := testEnv{
		repo:      store.NewMemoryUserRepository(),
		issuer:    issuer,
		pictures:  newFakeStorage(),
		publisher: &fakePublisher{},
	}
	opts = append([]Option{
		WithPictureStorage(env.pictures),
		WithEventPublisher(env.publisher, "accounts.events"),
	}, opts...)
	env.svc = NewUserService(env.repo, auth.NewPasswordHasher(bcrypt.MinCost), issuer, opts...)
	return env
}

func (env testEnv) signUpAlice(t *testing.T) types.User {
	t.Helper()
	user, err := env.svc.SignUp(context.Background(), SignUpInput{
		Username: "alice",
		Email:    "a@x.com",
		Password: "secret",
	})
	require.NoError(t, err)
	return user
}

func pngUpload(name string) *Upload {
	return &Upload{Filename: name, ContentType: "image/png", Data: []byte("\x89PNG fake")}
}

func TestSignUp_HashesPassword(t *testing.T) {
	env := newTestEnv(t)

	user := env.signUpAlice(t)

	assert.NotEmpty(t, user.ID)
	assert.NotEqual(t, "secret", user.PasswordHash)
	assert.True(t, auth.NewPasswordHasher(bcrypt.MinCost).Verify("secret", user.PasswordHash))
	assert.Empty(t, user.Ledger.Valid)
	assert.Equal(t, []types.AccountEventType{types.AccountSignedUp}, env.publisher.eventTypes())
	assert.Equal(t, []string{"accounts.events"}, env.publisher.channels)
}

func TestSignUp_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cases := []SignUpInput{
		{Username: "alice", Email: "a@x.com"},
		{Email: "a@x.com", Password: "secret"},
		{Username: "alice", Password: "secret"},
		{Username: "   ", Email: "a@x.com", Password: "secret"},
	}
	for _, in := range cases {
		_, err := env.svc.SignUp(ctx, in)
		assert.ErrorIs(t, err, ErrInvalidInput, "%+v", in)
	}
}

func TestSignUp_Duplicate(t *testing.T) {
	env := newTestEnv(t)
	env.signUpAlice(t)

	_, err := env.svc.SignUp(context.Background(), SignUpInput{Username: "alice", Email: "new@x.com", Password: "p"})
	assert.ErrorIs(t, err, store.ErrAlreadyExists)
}

func TestSignUp_WithPicture(t *testing.T) {
	env := newTestEnv(t)

	user, err := env.svc.SignUp(context.Background(), SignUpInput{
		Username: "alice",
		Email:    "a@x.com",
		Password: "secret",
		Picture:  pngUpload("my face.png"),
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(user.ProfilePicture, "profile-pictures/"+user.ID+"/"))
	assert.True(t, strings.HasSuffix(user.ProfilePicture, "_my_face.png"))
	assert.Equal(t, []string{user.ProfilePicture}, env.pictures.keys())
}

func TestSignUp_PictureStoreFailureKeepsAccount(t *testing.T) {
	env := newTestEnv(t)
	env.pictures.putErr = errors.New("bucket down")
	ctx := context.Background()

	user, err := env.svc.SignUp(ctx, SignUpInput{
		Username: "alice",
		Email:    "a@x.com",
		Password: "secret",
		Picture:  pngUpload("face.png"),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, user.ID)
	assert.Empty(t, user.ProfilePicture)
	assert.Empty(t, env.pictures.keys())
	assert.Equal(t, []types.AccountEventType{types.AccountSignedUp}, env.publisher.eventTypes())

	_, err = env.svc.SignIn(ctx, "alice", "a@x.com", "secret")
	assert.NoError(t, err)

	_, err = env.svc.SignUp(ctx, SignUpInput{Username: "alice", Email: "a@x.com", Password: "secret"})
	assert.ErrorIs(t, err, store.ErrAlreadyExists)
}

func TestSignIn_Success(t *testing.T) {
	env := newTestEnv(t)
	user := env.signUpAlice(t)
	ctx := context.Background()

	token, err := env.svc.SignIn(ctx, "alice", "a@x.com", "secret")
	require.NoError(t, err)

	claims, err := env.issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, auth.Claims{UserID: user.ID, Username: "alice", Email: "a@x.com"}, claims)

	ledger, err := env.repo.GetLedger(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, ledger.Valid, 1)
	assert.Equal(t, token, ledger.Valid[0].Token)
	assert.Contains(t, env.publisher.eventTypes(), types.AccountSignedIn)
}

func TestSignIn_WrongPasswordAndUnknownUserLookAlike(t *testing.T) {
	env := newTestEnv(t)
	env.signUpAlice(t)
	ctx := context.Background()

	_, err := env.svc.SignIn(ctx, "alice", "a@x.com", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = env.svc.SignIn(ctx, "nobody", "a@x.com", "secret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = env.svc.SignIn(ctx, "alice", "other@x.com", "secret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestSignIn_PrunesStaleTokens(t *testing.T) {
	env := newTestEnv(t)
	user := env.signUpAlice(t)
	ctx := context.Background()

	start := time.Now()
	env.svc.now = func() time.Time { return start.Add(-8 * 24 * time.Hour) }
	old, err := env.svc.SignIn(ctx, "alice", "a@x.com", "secret")
	require.NoError(t, err)

	env.svc.now = func() time.Time { return start }
	_, err = env.svc.SignIn(ctx, "alice", "a@x.com", "secret")
	require.NoError(t, err)

	ledger, err := env.repo.GetLedger(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, ledger.Valid, 1)
	assert.NotEqual(t, old, ledger.Valid[0].Token)

	_, err = env.svc.Authenticate(ctx, old)
	assert.ErrorIs(t, err, ErrSessionInactive, "signature is valid but the activity window has passed")
}

func TestAuthenticate_ExpiresAfterActiveWindow(t *testing.T) {
	env := newTestEnv(t)
	env.signUpAlice(t)
	ctx := context.Background()

	start := time.Now()
	env.svc.now = func() time.Time { return start.Add(-8 * 24 * time.Hour) }
	token, err := env.svc.SignIn(ctx, "alice", "a@x.com", "secret")
	require.NoError(t, err)

	env.svc.now = func() time.Time { return start.Add(-24 * time.Hour) }
	_, err = env.svc.Authenticate(ctx, token)
	require.NoError(t, err)

	env.svc.now = func() time.Time { return start }
	_, err = env.svc.Authenticate(ctx, token)
	assert.ErrorIs(t, err, ErrSessionInactive)
}

func TestAuthenticate(t *testing.T) {
	env := newTestEnv(t)
	user := env.signUpAlice(t)
	ctx := context.Background()

	token, err := env.svc.SignIn(ctx, "alice", "a@x.com", "secret")
	require.NoError(t, err)

	identity, err := env.svc.Authenticate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: user.ID, Username: "alice", Email: "a@x.com", Token: token}, identity)

	_, err = env.svc.Authenticate(ctx, "garbage")
	assert.ErrorIs(t, err, auth.ErrTokenInvalid)
}

func TestAuthenticate_UnrecordedTokenRejected(t *testing.T) {
	env := newTestEnv(t)
	user := env.signUpAlice(t)
	ctx := context.Background()

	_, err := env.svc.SignIn(ctx, "alice", "a@x.com", "secret")
	require.NoError(t, err)

	// Signed with the right key but never recorded at sign-in.
	forged, err := env.issuer.Issue(auth.Claims{UserID: user.ID, Username: "alice", Email: "a@x.com"})
	require.NoError(t, err)

	_, err = env.svc.Authenticate(ctx, forged)
	assert.ErrorIs(t, err, ErrSessionInactive)
}

func TestAuthenticate_UnknownUser(t *testing.T) {
	env := newTestEnv(t)

	token, err := env.issuer.Issue(auth.Claims{UserID: "ghost", Username: "ghost"})
	require.NoError(t, err)

	_, err = env.svc.Authenticate(context.Background(), token)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLogout_RevokesOnlyThatToken(t *testing.T) {
	env := newTestEnv(t)
	env.signUpAlice(t)
	ctx := context.Background()

	first, err := env.svc.SignIn(ctx, "alice", "a@x.com", "secret")
	require.NoError(t, err)
	second, err := env.svc.SignIn(ctx, "alice", "a@x.com", "secret")
	require.NoError(t, err)

	identity, err := env.svc.Authenticate(ctx, first)
	require.NoError(t, err)
	require.NoError(t, env.svc.Logout(ctx, identity))

	_, err = env.svc.Authenticate(ctx, first)
	assert.ErrorIs(t, err, ErrSessionInactive)
	_, err = env.svc.Authenticate(ctx, second)
	assert.NoError(t, err)
	assert.Contains(t, env.publisher.eventTypes(), types.AccountLoggedOut)
}

func TestLogoutAllDevices(t *testing.T) {
	env := newTestEnv(t)
	user := env.signUpAlice(t)
	ctx := context.Background()

	tokens := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		token, err := env.svc.SignIn(ctx, "alice", "a@x.com", "secret")
		require.NoError(t, err)
		tokens = append(tokens, token)
	}

	identity, err := env.svc.Authenticate(ctx, tokens[0])
	require.NoError(t, err)
	revoked, err := env.svc.LogoutAllDevices(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, 3, revoked)

	ledger, err := env.repo.GetLedger(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, ledger.Valid)
	assert.ElementsMatch(t, tokens, ledger.Invalid)

	for _, token := range tokens {
		_, err := env.svc.Authenticate(ctx, token)
		assert.ErrorIs(t, err, ErrSessionInactive)
	}
}

func TestConcurrentSignInsAreAllRecorded(t *testing.T) {
	env := newTestEnv(t)
	user := env.signUpAlice(t)
	ctx := context.Background()

	const logins = 20
	var wg sync.WaitGroup
	for i := 0; i < logins; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.SignIn(ctx, "alice", "a@x.com", "secret")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	ledger, err := env.repo.GetLedger(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, ledger.Valid, logins)
}

func TestUpdateDetails(t *testing.T) {
	env := newTestEnv(t)
	user := env.signUpAlice(t)
	ctx := context.Background()

	first, bio, password := " Alice ", "hi there", "new-secret"
	updated, err := env.svc.UpdateDetails(ctx, user.ID, UpdateInput{
		FirstName: &first,
		Bio:       &bio,
		Password:  &password,
	})
	require.NoError(t, err)
	assert.Equal(t, "Alice", updated.FirstName)
	assert.Equal(t, "hi there", updated.Bio)
	assert.Equal(t, "alice", updated.Username)

	_, err = env.svc.SignIn(ctx, "alice", "a@x.com", "secret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = env.svc.SignIn(ctx, "alice", "a@x.com", "new-secret")
	assert.NoError(t, err)
}

func TestUpdateDetails_Empty(t *testing.T) {
	env := newTestEnv(t)
	user := env.signUpAlice(t)

	_, err := env.svc.UpdateDetails(context.Background(), user.ID, UpdateInput{})
	assert.ErrorIs(t, err, ErrInvalidInput)

	empty := ""
	_, err = env.svc.UpdateDetails(context.Background(), user.ID, UpdateInput{Password: &empty})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestUpdateDetails_ReplacesPicture(t *testing.T) {
	env := newTestEnv(t)
	user := env.signUpAlice(t)
	ctx := context.Background()

	first, err := env.svc.UpdateDetails(ctx, user.ID, UpdateInput{Picture: pngUpload("one.png")})
	require.NoError(t, err)

	second, err := env.svc.UpdateDetails(ctx, user.ID, UpdateInput{Picture: pngUpload("two.png")})
	require.NoError(t, err)

	assert.NotEqual(t, first.ProfilePicture, second.ProfilePicture)
	assert.Equal(t, []string{second.ProfilePicture}, env.pictures.keys())

	reader, contentType, err := env.svc.ProfilePicture(ctx, user.ID)
	require.NoError(t, err)
	defer reader.Close()
	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, "image/png", contentType)
	assert.Equal(t, []byte("\x89PNG fake"), data)
}

func TestUpdateDetails_PictureRules(t *testing.T) {
	env := newTestEnv(t)
	user := env.signUpAlice(t)
	ctx := context.Background()

	cases := map[string]*Upload{
		"bad extension": {Filename: "script.exe", ContentType: "image/png", Data: []byte("x")},
		"bad mime":      {Filename: "face.png", ContentType: "application/pdf", Data: []byte("x")},
		"too large":     {Filename: "face.png", ContentType: "image/png", Data: make([]byte, MaxPictureBytes+1)},
		"empty":         {Filename: "face.png", ContentType: "image/png"},
	}
	for name, upload := range cases {
		_, err := env.svc.UpdateDetails(ctx, user.ID, UpdateInput{Picture: upload})
		assert.ErrorIs(t, err, ErrInvalidInput, name)
	}
	assert.Empty(t, env.pictures.keys())
}

func TestUpdateDetails_UploadsDisabled(t *testing.T) {
	env := newTestEnv(t, WithPictureStorage(nil))
	user := env.signUpAlice(t)

	_, err := env.svc.UpdateDetails(context.Background(), user.ID, UpdateInput{Picture: pngUpload("face.png")})
	assert.ErrorIs(t, err, ErrUploadsDisabled)

	_, _, err = env.svc.ProfilePicture(context.Background(), user.ID)
	assert.ErrorIs(t, err, ErrUploadsDisabled)
}

func TestProfilePicture_NoneUploaded(t *testing.T) {
	env := newTestEnv(t)
	user := env.signUpAlice(t)

	_, _, err := env.svc.ProfilePicture(context.Background(), user.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListOthers(t *testing.T) {
	env := newTestEnv(t)
	alice := env.signUpAlice(t)
	_, err := env.svc.SignUp(context.Background(), SignUpInput{Username: "bob", Email: "b@x.com", Password: "p"})
	require.NoError(t, err)

	others, err := env.svc.ListOthers(context.Background(), alice.ID)
	require.NoError(t, err)
	require.Len(t, others, 1)
	assert.Equal(t, "bob", others[0].Username)
}

func TestPublishFailureDoesNotFailRequest(t *testing.T) {
	env := newTestEnv(t)
	env.publisher.err = errors.New("broker down")

	_, err := env.svc.SignUp(context.Background(), SignUpInput{Username: "alice", Email: "a@x.com", Password: "secret"})
	assert.NoError(t, err)
}
