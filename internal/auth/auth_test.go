package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/EPguitars/proxycare/internal/model"
	"github.com/EPguitars/proxycare/internal/store"
)

func TestHashVerifyPassword(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$") {
		t.Fatalf("hash = %q, want argon2id PHC format", hash)
	}

	ok, err := VerifyPassword("s3cret", hash)
	if err != nil || !ok {
		t.Fatalf("VerifyPassword(correct) = %v, %v", ok, err)
	}
	ok, err = VerifyPassword("wrong", hash)
	if err != nil || ok {
		t.Fatalf("VerifyPassword(wrong) = %v, %v", ok, err)
	}
}

func TestVerifyPassword_Malformed(t *testing.T) {
	for _, bad := range []string{"", "plaintext", "$argon2id$v=19$bogus"} {
		if _, err := VerifyPassword("pw", bad); err == nil {
			t.Errorf("VerifyPassword(%q) accepted a malformed hash", bad)
		}
	}
}

func TestHashPassword_UniqueSalts(t *testing.T) {
	a, _ := HashPassword("pw")
	b, _ := HashPassword("pw")
	if a == b {
		t.Fatal("two hashes of the same password are identical; salt not random")
	}
}

type fakeUsers struct {
	user    model.User
	missing bool
	tokens  []string
	ensured map[string]string
}

func (f *fakeUsers) GetUserByUsername(ctx context.Context, username string) (model.User, error) {
	if f.missing || username != f.user.Username {
		return model.User{}, store.ErrNotFound
	}
	return f.user, nil
}

func (f *fakeUsers) EnsureUser(ctx context.Context, username, hashedPassword string) error {
	if f.ensured == nil {
		f.ensured = map[string]string{}
	}
	f.ensured[username] = hashedPassword
	return nil
}

func (f *fakeUsers) StoreToken(ctx context.Context, token string, userID int64) error {
	f.tokens = append(f.tokens, token)
	return nil
}

func newTestService(t *testing.T, password string) (*Service, *fakeUsers) {
	t.Helper()
	hash, err := HashPassword(password)
	if err != nil {
		t.Fatal(err)
	}
	users := &fakeUsers{user: model.User{
		ID:             1,
		Username:       "root",
		HashedPassword: hash,
		IsActive:       true,
	}}
	return New(users, "test-secret", 30*time.Minute, zap.NewNop()), users
}

func TestLogin_IssuesAndPersistsToken(t *testing.T) {
	svc, users := newTestService(t, "pw")

	token, err := svc.Login(context.Background(), "root", "pw")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if len(users.tokens) != 1 || users.tokens[0] != token {
		t.Errorf("token not persisted: %v", users.tokens)
	}

	sub, err := svc.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if sub != "root" {
		t.Errorf("subject = %q, want root", sub)
	}
}

func TestLogin_Failures(t *testing.T) {
	svc, users := newTestService(t, "pw")

	if _, err := svc.Login(context.Background(), "root", "nope"); err != ErrInvalidCredentials {
		t.Errorf("wrong password: err = %v, want ErrInvalidCredentials", err)
	}
	if _, err := svc.Login(context.Background(), "ghost", "pw"); err != ErrInvalidCredentials {
		t.Errorf("unknown user: err = %v, want ErrInvalidCredentials", err)
	}

	users.user.IsActive = false
	if _, err := svc.Login(context.Background(), "root", "pw"); err != ErrInvalidCredentials {
		t.Errorf("inactive user: err = %v, want ErrInvalidCredentials", err)
	}
}

func TestValidate_RejectsForeignSignature(t *testing.T) {
	svc, _ := newTestService(t, "pw")
	other := New(&fakeUsers{}, "other-secret", time.Minute, zap.NewNop())

	token, err := other.issue("root")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Validate(token); err == nil {
		t.Error("token signed with a different secret validated")
	}
}

func TestEnsureRootUser(t *testing.T) {
	svc, users := newTestService(t, "pw")

	if err := svc.EnsureRootUser(context.Background(), "admin", "adminpw"); err != nil {
		t.Fatalf("EnsureRootUser: %v", err)
	}
	hash, ok := users.ensured["admin"]
	if !ok {
		t.Fatal("root user not ensured")
	}
	if match, _ := VerifyPassword("adminpw", hash); !match {
		t.Error("stored hash does not verify the bootstrap password")
	}

	// Empty credentials are a no-op, not an error.
	if err := svc.EnsureRootUser(context.Background(), "", ""); err != nil {
		t.Errorf("empty bootstrap: %v", err)
	}
}
