//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"github.com/dealspot/apiserver/config"
	"github.com/dealspot/apiserver/internal/server"
)

const (
	serverPort = 18080
)

func TestMain(m *testing.M) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	root, err := repoRoot()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to locate repo root: %v\n", err)
		os.Exit(1)
	}

	if err := dockerCompose(ctx, root, "up", "-d"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start docker compose: %v\n", err)
		os.Exit(1)
	}

	if err := waitForPostgres(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "postgres not ready: %v\n", err)
		_ = dockerCompose(context.Background(), root, "down")
		os.Exit(1)
	}

	if err := runMigrations(root); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run migrations: %v\n", err)
		_ = dockerCompose(context.Background(), root, "down")
		os.Exit(1)
	}

	srv, err := startServer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start server: %v\n", err)
		_ = dockerCompose(context.Background(), root, "down")
		os.Exit(1)
	}

	baseURL := fmt.Sprintf("http://localhost:%d", serverPort)
	if err := waitForHealth(ctx, baseURL+"/healthz"); err != nil {
		fmt.Fprintf(os.Stderr, "server not healthy: %v\n", err)
		shutdownServer(srv)
		_ = dockerCompose(context.Background(), root, "down")
		os.Exit(1)
	}

	code := m.Run()

	shutdownServer(srv)
	_ = dockerCompose(context.Background(), root, "down")
	os.Exit(code)
}

func TestAuthLifecycle(t *testing.T) {
	baseURL := fmt.Sprintf("http://localhost:%d", serverPort)
	email := fmt.Sprintf("lifecycle_%d@example.com", time.Now().UnixNano())
	password := "testpass123!"

	token, err := registerUser(t, baseURL, "Lifecycle User", email, password)
	if err != nil {
		t.Fatalf("register user: %v", err)
	}

	me, err := getMe(t, baseURL, token)
	if err != nil {
		t.Fatalf("get me: %v", err)
	}
	if me["email"] != email {
		t.Fatalf("expected email %q, got %v", email, me["email"])
	}
	if _, ok := me["password"]; ok {
		t.Fatalf("password leaked in response: %v", me)
	}
	if _, ok := me["password_hash"]; ok {
		t.Fatalf("password hash leaked in response: %v", me)
	}
	if me["is_verified"] != false {
		t.Fatalf("expected unverified user, got %v", me["is_verified"])
	}

	// A second registration with the same email must be rejected and
	// must not disturb the first account.
	status, _ := postJSON(t, baseURL+"/api/v1/auth/register", map[string]string{
		"name":     "Impostor",
		"email":    email,
		"password": "different-pass",
	})
	if status != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate email, got %d", status)
	}

	loginToken, cookie, err := loginUser(t, baseURL, email, password)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if loginToken == "" {
		t.Fatal("expected token from login")
	}
	if cookie == nil || !cookie.HttpOnly {
		t.Fatalf("expected httpOnly session cookie, got %+v", cookie)
	}

	status, _ = postJSON(t, baseURL+"/api/v1/auth/login", map[string]string{
		"email":    email,
		"password": "wrong-password",
	})
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad password, got %d", status)
	}
}

func TestVerificationRedemption(t *testing.T) {
	baseURL := fmt.Sprintf("http://localhost:%d", serverPort)
	email := fmt.Sprintf("verify_%d@example.com", time.Now().UnixNano())

	token, err := registerUser(t, baseURL, "Verify User", email, "testpass123!")
	if err != nil {
		t.Fatalf("register user: %v", err)
	}

	raw, err := plantVerificationToken(email, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("plant verification token: %v", err)
	}

	status, body := putJSON(t, baseURL+"/api/v1/auth/verify-account/"+raw, nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200 for verification, got %d: %s", status, body)
	}

	me, err := getMe(t, baseURL, token)
	if err != nil {
		t.Fatalf("get me: %v", err)
	}
	if me["is_verified"] != true {
		t.Fatalf("expected verified user, got %v", me["is_verified"])
	}

	// The token is consumed on first use.
	status, _ = putJSON(t, baseURL+"/api/v1/auth/verify-account/"+raw, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for replayed token, got %d", status)
	}
}

func TestPasswordResetRedemption(t *testing.T) {
	baseURL := fmt.Sprintf("http://localhost:%d", serverPort)
	email := fmt.Sprintf("reset_%d@example.com", time.Now().UnixNano())
	oldPassword := "oldpass123!"
	newPassword := "newpass456!"

	if _, err := registerUser(t, baseURL, "Reset User", email, oldPassword); err != nil {
		t.Fatalf("register user: %v", err)
	}

	// Forgot-password answers identically for known and unknown addresses.
	knownStatus, knownBody := postJSON(t, baseURL+"/api/v1/auth/forgot-password", map[string]string{"email": email})
	unknownStatus, unknownBody := postJSON(t, baseURL+"/api/v1/auth/forgot-password", map[string]string{"email": "nobody@example.com"})
	if knownStatus != http.StatusOK || unknownStatus != http.StatusOK {
		t.Fatalf("expected uniform 200, got %d and %d", knownStatus, unknownStatus)
	}
	if knownBody != unknownBody {
		t.Fatalf("forgot-password bodies differ: %q vs %q", knownBody, unknownBody)
	}

	raw, err := plantResetToken(email, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("plant reset token: %v", err)
	}

	status, body := putJSON(t, baseURL+"/api/v1/auth/reset-password/"+raw, map[string]string{"password": newPassword})
	if status != http.StatusOK {
		t.Fatalf("expected 200 for reset, got %d: %s", status, body)
	}

	// Redemption is exactly once.
	status, _ = putJSON(t, baseURL+"/api/v1/auth/reset-password/"+raw, map[string]string{"password": "thirdpass789!"})
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for replayed reset token, got %d", status)
	}

	if _, _, err := loginUser(t, baseURL, email, newPassword); err != nil {
		t.Fatalf("login with new password: %v", err)
	}
	status, _ = postJSON(t, baseURL+"/api/v1/auth/login", map[string]string{
		"email":    email,
		"password": oldPassword,
	})
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for old password, got %d", status)
	}
}

func TestExpiredResetToken(t *testing.T) {
	baseURL := fmt.Sprintf("http://localhost:%d", serverPort)
	email := fmt.Sprintf("expired_%d@example.com", time.Now().UnixNano())

	if _, err := registerUser(t, baseURL, "Expired User", email, "testpass123!"); err != nil {
		t.Fatalf("register user: %v", err)
	}

	raw, err := plantResetToken(email, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("plant reset token: %v", err)
	}

	status, _ := putJSON(t, baseURL+"/api/v1/auth/reset-password/"+raw, map[string]string{"password": "newpass456!"})
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for expired token, got %d", status)
	}
}

type authResponse struct {
	Token string `json:"token"`
}

func registerUser(t *testing.T, baseURL, name, email, password string) (string, error) {
	t.Helper()

	payload, err := json.Marshal(map[string]string{
		"name":     name,
		"email":    email,
		"password": password,
	})
	if err != nil {
		return "", err
	}

	resp, err := http.Post(baseURL+"/api/v1/auth/register", "application/json", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)
	}

	var parsed authResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", err
	}
	if parsed.Token == "" {
		return "", fmt.Errorf("no token in response: %s", body)
	}
	return parsed.Token, nil
}

func loginUser(t *testing.T, baseURL, email, password string) (string, *http.Cookie, error) {
	t.Helper()

	payload, err := json.Marshal(map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return "", nil, err
	}

	resp, err := http.Post(baseURL+"/api/v1/auth/login", "application/json", bytes.NewReader(payload))
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)
	}

	var parsed authResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", nil, err
	}

	var sessionCookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "token" {
			sessionCookie = c
		}
	}
	return parsed.Token, sessionCookie, nil
}

func getMe(t *testing.T, baseURL, token string) (map[string]any, error) {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, baseURL+"/api/v1/auth/me", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)
	}

	var parsed struct {
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	return parsed.Data, nil
}

func postJSON(t *testing.T, url string, payload any) (int, string) {
	t.Helper()
	return doJSON(t, http.MethodPost, url, payload)
}

func putJSON(t *testing.T, url string, payload any) (int, string) {
	t.Helper()
	return doJSON(t, http.MethodPut, url, payload)
}

func doJSON(t *testing.T, method, url string, payload any) (int, string) {
	t.Helper()

	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(body)
}

// plantResetToken writes a known reset token digest directly into the users
// row, standing in for the email the server would normally deliver.
func plantResetToken(email string, expiry time.Time) (string, error) {
	raw, digest, err := newRawToken()
	if err != nil {
		return "", err
	}
	err = execDB(
		"UPDATE users SET reset_token_hash = $1, reset_token_expires_at = $2, updated_at = NOW() WHERE LOWER(email) = LOWER($3)",
		digest, expiry, email,
	)
	return raw, err
}

func plantVerificationToken(email string, expiry time.Time) (string, error) {
	raw, digest, err := newRawToken()
	if err != nil {
		return "", err
	}
	err = execDB(
		"UPDATE users SET verification_token_hash = $1, verification_token_expires_at = $2, updated_at = NOW() WHERE LOWER(email) = LOWER($3)",
		digest, expiry, email,
	)
	return raw, err
}

func newRawToken() (string, string, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	raw := hex.EncodeToString(buf)
	sum := sha256.Sum256([]byte(raw))
	return raw, hex.EncodeToString(sum[:]), nil
}

func execDB(query string, args ...any) error {
	cfg := config.LoadConfig()
	dsn := buildPostgresURL(cfg)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("no rows updated")
	}
	return nil
}

func waitForPostgres(ctx context.Context) error {
	cfg := config.LoadConfig()
	dsn := buildPostgresURL(cfg)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := db.PingContext(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("postgres ping timeout: %w", err)
		case <-ticker.C:
		}
	}
}

func waitForHealth(ctx context.Context, url string) error {
	client := &http.Client{Timeout: 2 * time.Second}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			return fmt.Errorf("health check failed with status")
		case <-ticker.C:
		}
	}
}

func runMigrations(root string) error {
	cfg := config.LoadConfig()
	dsn := buildPostgresURL(cfg)
	migrationsPath := filepath.Join(root, "internal", "db", "migrations")
	migrationsURL := "file://" + migrationsPath

	migrator, err := migrate.New(migrationsURL, dsn)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = migrator.Close()
	}()

	if err := migrator.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func buildPostgresURL(cfg config.Config) string {
	sslmode := "disable"
	if cfg.Database.UseSSL {
		sslmode = "require"
	}
	host := fmt.Sprintf("%s:%d", cfg.Database.Host, cfg.Database.Port)
	return fmt.Sprintf(
		"postgres://%s:%s@%s/%s?sslmode=%s",
		cfg.Database.User,
		cfg.Database.Password,
		host,
		cfg.Database.DBName,
		sslmode,
	)
}

func startServer() (*server.Server, error) {
	_ = os.Setenv("JWT_SECRET", "test-secret")
	_ = os.Setenv("SERVER_PORT", fmt.Sprintf("%d", serverPort))
	_ = os.Setenv("DB_HOST", "localhost")
	_ = os.Setenv("DB_PORT", "5432")
	_ = os.Setenv("DB_USER", "dealspot")
	_ = os.Setenv("DB_PASSWORD", "password")
	_ = os.Setenv("DB_NAME", "dealspot_db")
	_ = os.Setenv("DB_USE_SSL", "false")
	_ = os.Setenv("MAILER_BACKEND", "log")
	_ = os.Setenv("MQ_BACKEND", "none")

	cfg := config.LoadConfig()
	srv, err := server.New(context.Background(), cfg)
	if err != nil {
		return nil, err
	}

	go func() {
		_ = srv.Start()
	}()

	return srv, nil
}

func shutdownServer(srv *server.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

func dockerCompose(ctx context.Context, root string, args ...string) error {
	composeFile := filepath.Join(root, "development", "docker-compose.yml")
	baseArgs := append([]string{"compose", "-f", composeFile}, args...)
	cmd := exec.CommandContext(ctx, "docker", baseArgs...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func repoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found")
		}
		dir = parent
	}
}
