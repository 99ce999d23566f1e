//go:build integration

package firestore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"testing"
	"time"

	domain "github.com/listing-auditor/api/internal/domain"
	pconfig "github.com/listing-auditor/api/internal/platform/config"
	pfirestore "github.com/listing-auditor/api/internal/platform/firestore"
	"github.com/listing-auditor/api/internal/repositories"
)

const firestoreEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"

func TestShopTokenRepositoryIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}
	ensureDockerDaemon(t)

	port := freePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := startFirestoreEmulator(t, port)
	t.Cleanup(func() { stopContainer(containerID) })
	waitForEndpoint(t, endpoint, 30*time.Second)

	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{
		ProjectID:    "shop-token-test",
		EmulatorHost: endpoint,
	})
	t.Cleanup(func() {
		_ = provider.Close(context.Background())
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := provider.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	repo, err := NewShopTokenRepository(provider, "")
	if err != nil {
		t.Fatalf("new shop token repository: %v", err)
	}

	installed := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	if err := repo.Save(ctx, domain.ShopCredential{
		ShopDomain:  "Acme.myshopify.com",
		AccessToken: "shpat_acme",
		Scopes:      []string{"write_products"},
		InstalledAt: installed,
	}); err != nil {
		t.Fatalf("save: %v", err)
	}

	cred, err := repo.FindByShop(ctx, "https://acme.myshopify.com")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if cred.AccessToken != "shpat_acme" || !cred.InstalledAt.Equal(installed) {
		t.Fatalf("unexpected credential %+v", cred)
	}

	if _, err := repo.FindByShop(ctx, "missing.myshopify.com"); !errors.Is(err, repositories.ErrShopTokenNotFound) {
		t.Fatalf("expected ErrShopTokenNotFound, got %v", err)
	}

	chain := repositories.NewChainShopTokenRepository(
		repositories.NewStaticShopTokenRepository(map[string]string{"static.myshopify.com": "shpat_static"}),
		repo,
	)
	if cred, err := chain.FindByShop(ctx, "acme.myshopify.com"); err != nil || cred.AccessToken != "shpat_acme" {
		t.Fatalf("expected chain to fall through to firestore, got %+v (%v)", cred, err)
	}

	if err := repo.Delete(ctx, "acme.myshopify.com"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := repo.FindByShop(ctx, "acme.myshopify.com"); !repositories.IsNotFound(err) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to allocate port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func startFirestoreEmulator(t *testing.T, port int) string {
	t.Helper()
	out, err := exec.Command("docker",
		"run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		firestoreEmulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start",
		"--host-port=0.0.0.0:8080",
		"--quiet",
	).CombinedOutput()
	if err != nil {
		t.Fatalf("failed to start firestore emulator: %v - %s", err, string(out))
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		t.Fatalf("docker returned empty container id")
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

func stopContainer(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = exec.CommandContext(ctx, "docker", "stop", id).Run()
}

func waitForEndpoint(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		lastErr = err
		time.Sleep(250 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = errors.New("timeout waiting for endpoint")
	}
	t.Fatalf("emulator did not become ready: %v", lastErr)
}

func ensureDockerDaemon(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, "docker", "info").Run(); err != nil {
		t.Skip("docker daemon unavailable: " + err.Error())
	}
}
