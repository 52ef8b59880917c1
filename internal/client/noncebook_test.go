package client

import (
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	nbClient   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	nbContract = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func openBook(t *testing.T, path string) *NonceBook {
	t.Helper()
	nb, err := OpenNonceBook(path, nbClient, 31337, nbContract)
	if err != nil {
		t.Fatalf("OpenNonceBook: %v", err)
	}
	return nb
}

func TestNonceBook_SequentialCommits(t *testing.T) {
	nb := openBook(t, filepath.Join(t.TempDir(), "nonce_book"))
	defer nb.Close()

	for want := uint64(0); want < 3; want++ {
		n, err := nb.Reserve()
		if err != nil {
			t.Fatalf("Reserve: %v", err)
		}
		if n != want {
			t.Fatalf("reserved %d, want %d", n, want)
		}
		if err := nb.Commit(n); err != nil {
			t.Fatalf("Commit: %v", err)
		}
	}
	if nb.Next() != 3 {
		t.Fatalf("next %d, want 3", nb.Next())
	}
}

func TestNonceBook_ReleaseMakesReusable(t *testing.T) {
	nb := openBook(t, filepath.Join(t.TempDir(), "nonce_book"))
	defer nb.Close()

	n, err := nb.Reserve()
	if err != nil {
		t.Fatal(err)
	}
	if err := nb.Release(n); err != nil {
		t.Fatal(err)
	}

	// a failed attempt does not burn the nonce: same value comes back
	again, err := nb.Reserve()
	if err != nil {
		t.Fatal(err)
	}
	if again != n {
		t.Fatalf("reserved %d after release, want %d", again, n)
	}
	if err := nb.Commit(again); err != nil {
		t.Fatal(err)
	}
	next, err := nb.Reserve()
	if err != nil {
		t.Fatal(err)
	}
	if next != n+1 {
		t.Fatalf("reserved %d after commit, want %d", next, n+1)
	}
}

func TestNonceBook_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nonce_book")
	nb := openBook(t, path)

	n0, _ := nb.Reserve()
	if err := nb.Commit(n0); err != nil {
		t.Fatal(err)
	}
	n1, _ := nb.Reserve()
	if err := nb.Release(n1); err != nil {
		t.Fatal(err)
	}
	nb.Close()

	reopened := openBook(t, path)
	defer reopened.Close()
	// nonce 1 was released, so it is the next reservable value
	n, err := reopened.Reserve()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("reserved %d after reopen, want 1", n)
	}
}

func TestNonceBook_PendingStaysPendingAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nonce_book")
	nb := openBook(t, path)
	if _, err := nb.Reserve(); err != nil { // pending, never resolved
		t.Fatal(err)
	}
	nb.Close()

	// without reconciliation the in-doubt nonce is not handed out again;
	// the book moves past it
	reopened := openBook(t, path)
	defer reopened.Close()
	n, err := reopened.Reserve()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("reserved %d with nonce 0 in doubt, want 1", n)
	}
}

func TestNonceBook_Reconcile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nonce_book")
	nb := openBook(t, path)
	if _, err := nb.Reserve(); err != nil { // pending nonce 0
		t.Fatal(err)
	}
	nb.Close()

	reopened := openBook(t, path)
	defer reopened.Close()

	// chain says nonce 0 was never consumed: pending 0 becomes reusable
	if err := reopened.Reconcile(0); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	n, err := reopened.Reserve()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("reserved %d after reconcile(0), want 0", n)
	}
}

func TestNonceBook_ReconcileConsumed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nonce_book")
	nb := openBook(t, path)
	if _, err := nb.Reserve(); err != nil { // pending nonce 0
		t.Fatal(err)
	}
	nb.Close()

	reopened := openBook(t, path)
	defer reopened.Close()

	// chain says the next expected nonce is 1: pending 0 was consumed
	if err := reopened.Reconcile(1); err != nil {
		t.Fatal(err)
	}
	n, err := reopened.Reserve()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("reserved %d after reconcile(1), want 1", n)
	}
}

func TestNonceBook_IsolatedPerKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nonce_book")
	nb := openBook(t, path)
	n0, _ := nb.Reserve()
	if err := nb.Commit(n0); err != nil {
		t.Fatal(err)
	}
	nb.Close()

	// a different contract sees a fresh sequence in the same file
	other, err := OpenNonceBook(path, nbClient, 31337, common.HexToAddress("0x03"))
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()
	n, err := other.Reserve()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("other contract reserved %d, want 0", n)
	}
}
