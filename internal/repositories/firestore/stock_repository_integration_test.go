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

	domain "github.com/marigold-commerce/api/internal/domain"
	pconfig "github.com/marigold-commerce/api/internal/platform/config"
	pfirestore "github.com/marigold-commerce/api/internal/platform/firestore"
	"github.com/marigold-commerce/api/internal/repositories"
)

func TestStockRepositoryIntegration(t *testing.T) {
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}

	ensureDockerDaemon(t)

	port := freePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := startFirestoreEmulator(t, port)
	t.Cleanup(func() { stopContainer(containerID) })

	waitForEndpoint(t, endpoint, 30*time.Second)

	cfg := pconfig.FirestoreConfig{
		ProjectID:    "stock-test",
		EmulatorHost: endpoint,
	}

	provider := pfirestore.NewProvider(cfg)
	t.Cleanup(func() {
		_ = provider.Close(context.Background())
	})

	repo, err := NewStockRepository(provider)
	if err != nil {
		t.Fatalf("new stock repository: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	client, err := provider.Client(ctx)
	if err != nil {
		t.Fatalf("provider client: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	variant := domain.VariantKey{ProductID: "prod_001", Color: "Indigo", Size: "M"}
	seedStock := map[string]any{
		"productId": variant.ProductID,
		"color":     variant.Color,
		"size":      variant.Size,
		"price":     1499.0,
		"onHand":    5,
		"updatedAt": now,
	}

	if _, err := client.Collection(stocksCollection).Doc(variant.String()).Set(ctx, seedStock); err != nil {
		t.Fatalf("seed stock: %v", err)
	}

	syncResult, err := repo.SyncReservation(ctx, repositories.SyncReservationRequest{
		ReservationID: "res_test_1",
		OwnerRef:      "cart:u_test",
		Lines:         []domain.ReservationLine{{Variant: variant, Quantity: 3}},
		ExpiresAt:     now.Add(45 * time.Minute),
		Now:           now,
	})
	if err != nil {
		t.Fatalf("sync reservation: %v", err)
	}
	if syncResult.Reservation.Status != domain.ReservationStatusHeld {
		t.Fatalf("expected held status, got %s", syncResult.Reservation.Status)
	}
	stock, ok := syncResult.Stocks[variant.String()]
	if !ok {
		t.Fatalf("sync result missing stock")
	}
	if stock.OnHand != 2 {
		t.Fatalf("expected onHand=2 got %d", stock.OnHand)
	}

	var stockErr *repositories.StockError

	_, err = repo.SyncReservation(ctx, repositories.SyncReservationRequest{
		ReservationID: "res_test_2",
		OwnerRef:      "cart:u_other",
		Lines:         []domain.ReservationLine{{Variant: variant, Quantity: 3}},
		ExpiresAt:     now.Add(45 * time.Minute),
		Now:           now,
	})
	if err == nil {
		t.Fatalf("expected insufficient stock error")
	}
	if !errors.As(err, &stockErr) || stockErr.Code != repositories.StockErrorInsufficientStock {
		t.Fatalf("expected insufficient stock code, got %v", err)
	}
	if len(stockErr.Variants) != 1 || stockErr.Variants[0] != variant {
		t.Fatalf("expected shortfall variant %s, got %+v", variant.String(), stockErr.Variants)
	}

	// Shrinking the held quantity restores the difference.
	syncResult, err = repo.SyncReservation(ctx, repositories.SyncReservationRequest{
		ReservationID: "res_test_1",
		Lines:         []domain.ReservationLine{{Variant: variant, Quantity: 1}},
		ExpiresAt:     now.Add(45 * time.Minute),
		Now:           now.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("shrink reservation: %v", err)
	}
	if got := syncResult.Stocks[variant.String()].OnHand; got != 4 {
		t.Fatalf("expected onHand=4 after shrink, got %d", got)
	}

	committed, err := repo.Commit(ctx, "res_test_1", "order:o_test_1", now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if committed.Status != domain.ReservationStatusCommitted {
		t.Fatalf("expected committed status, got %s", committed.Status)
	}
	if committed.CommittedAt == nil {
		t.Fatalf("expected committedAt stamp")
	}

	// Commit is idempotent.
	if _, err := repo.Commit(ctx, "res_test_1", "order:o_test_1", now.Add(3*time.Minute)); err != nil {
		t.Fatalf("repeat commit: %v", err)
	}

	// A committed reservation cannot be synced again.
	_, err = repo.SyncReservation(ctx, repositories.SyncReservationRequest{
		ReservationID: "res_test_1",
		Lines:         []domain.ReservationLine{{Variant: variant, Quantity: 1}},
		ExpiresAt:     now.Add(45 * time.Minute),
		Now:           now.Add(4 * time.Minute),
	})
	stockErr = nil
	if !errors.As(err, &stockErr) || stockErr.Code != repositories.StockErrorInvalidReservationState {
		t.Fatalf("expected invalid state for committed reservation, got %v", err)
	}

	// Cancellation path restores committed quantities without a reservation.
	restored, err := repo.ReleaseLines(ctx, []domain.ReservationLine{{Variant: variant, Quantity: 1}}, "order_cancelled", now.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("release lines: %v", err)
	}
	if got := restored[variant.String()].OnHand; got != 5 {
		t.Fatalf("expected onHand=5 after cancellation restore, got %d", got)
	}

	expSync, err := repo.SyncReservation(ctx, repositories.SyncReservationRequest{
		ReservationID: "res_test_exp",
		OwnerRef:      "cart:u_exp",
		Lines:         []domain.ReservationLine{{Variant: variant, Quantity: 2}},
		ExpiresAt:     now.Add(-time.Minute),
		Now:           now,
	})
	if err != nil {
		t.Fatalf("sync expiring reservation: %v", err)
	}
	if expSync.Stocks[variant.String()].OnHand != 3 {
		t.Fatalf("expected onHand=3 after expiring hold, got %d", expSync.Stocks[variant.String()].OnHand)
	}

	expired, err := repo.ListExpiredReservations(ctx, now, 10)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "res_test_exp" {
		t.Fatalf("expected res_test_exp in expired list, got %+v", expired)
	}

	released, err := repo.Release(ctx, "res_test_exp", "reservation_expired", now.Add(6*time.Minute))
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.Reservation.Status != domain.ReservationStatusReleased {
		t.Fatalf("expected released status, got %s", released.Reservation.Status)
	}
	if got := released.Stocks[variant.String()].OnHand; got != 5 {
		t.Fatalf("expected onHand=5 after release, got %d", got)
	}

	// Release is a no-op for an already released reservation.
	again, err := repo.Release(ctx, "res_test_exp", "reservation_expired", now.Add(7*time.Minute))
	if err != nil {
		t.Fatalf("repeat release: %v", err)
	}
	if len(again.Stocks) != 0 {
		t.Fatalf("expected no stock movement on repeat release, got %+v", again.Stocks)
	}

	level, err := repo.GetStock(ctx, variant)
	if err != nil {
		t.Fatalf("get stock: %v", err)
	}
	if level.OnHand != 5 || level.Price != 1499.0 {
		t.Fatalf("unexpected final stock: %+v", level)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	addr, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to allocate port: %v", err)
	}
	defer addr.Close()
	return addr.Addr().(*net.TCPAddr).Port
}

func startFirestoreEmulator(t *testing.T, port int) string {
	t.Helper()
	args := []string{
		"run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		firestoreEmulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start",
		"--host-port=0.0.0.0:8080",
		"--quiet",
	}

	cmd := exec.Command("docker", args...)
	out, err := cmd.CombinedOutput()
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

func ensureDockerDaemon(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", "info")
	if err := cmd.Run(); err != nil {
		t.Fatalf("docker daemon not available: %v", err)
	}
}

func stopContainer(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", "stop", id)
	_ = cmd.Run()
}

func waitForEndpoint(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("firestore emulator at %s did not become ready within %s", endpoint, timeout)
}

const firestoreEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"
