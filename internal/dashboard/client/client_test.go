package client_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tracepackd/tracepackd/internal/dashboard/client"
	"github.com/tracepackd/tracepackd/internal/dashboard/storage"
	"github.com/tracepackd/tracepackd/internal/packstore"
)

// ─── in-memory test PKI ─────────────────────────────────────────────────────

type testPKI struct {
	dir        string
	caCert     *x509.Certificate
	caCertDER  []byte
	caKey      *ecdsa.PrivateKey
	caCertPath string
	cliCrtPath string
	cliKeyPath string
}

func newTestPKI(t *testing.T) *testPKI {
	t.Helper()
	dir := t.TempDir()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate CA key: %v", err)
	}
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "tracepackd test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}
	caCertDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("create CA cert: %v", err)
	}
	caCert, _ := x509.ParseCertificate(caCertDER)

	caPath := filepath.Join(dir, "ca.crt")
	writePEMCert(t, caPath, caCertDER)

	cliKey, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	cliTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "test-host"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	cliCertDER, _ := x509.CreateCertificate(rand.Reader, cliTemplate, caCert, &cliKey.PublicKey, caKey)
	cliCrtPath := filepath.Join(dir, "host.crt")
	cliKeyPath := filepath.Join(dir, "host.key")
	writePEMCert(t, cliCrtPath, cliCertDER)
	writePEMKey(t, cliKeyPath, cliKey)

	return &testPKI{
		dir:        dir,
		caCert:     caCert,
		caCertDER:  caCertDER,
		caKey:      caKey,
		caCertPath: caPath,
		cliCrtPath: cliCrtPath,
		cliKeyPath: cliKeyPath,
	}
}

func writePEMCert(t *testing.T, path string, der []byte) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	_ = pem.Encode(f, &pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func writePEMKey(t *testing.T, path string, key *ecdsa.PrivateKey) {
	t.Helper()
	der, _ := x509.MarshalECPrivateKey(key)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	_ = pem.Encode(f, &pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
}

// ─── fake packstore.Source ─────────────────────────────────────────────────

type fakeSource struct {
	mu      sync.Mutex
	pending []packstore.PendingPack
	acked   []int64
	ackErr  error
}

func (f *fakeSource) Pending(ctx context.Context, n int) ([]packstore.PendingPack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) > n {
		return append([]packstore.PendingPack{}, f.pending[:n]...), nil
	}
	return append([]packstore.PendingPack{}, f.pending...), nil
}

func (f *fakeSource) Ack(ctx context.Context, ids []int64) error {
	if f.ackErr != nil {
		return f.ackErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, ids...)
	remaining := f.pending[:0]
	for _, p := range f.pending {
		acked := false
		for _, id := range ids {
			if p.ID == id {
				acked = true
				break
			}
		}
		if !acked {
			remaining = append(remaining, p)
		}
	}
	f.pending = remaining
	return nil
}

func (f *fakeSource) ackedIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64{}, f.acked...)
}

// ─── fake dashboard server ──────────────────────────────────────────────────

type fakeDashboard struct {
	mu            sync.Mutex
	registered    []storage.Host
	submitted     []storage.Pack
	hostIDToIssue string
	failHosts     bool
	failPacksN    int // fail this many POST /packs calls before succeeding
}

func newFakeDashboard(hostID string) *fakeDashboard {
	return &fakeDashboard{hostIDToIssue: hostID}
}

func (f *fakeDashboard) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/hosts", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failHosts {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var h storage.Host
		if err := json.NewDecoder(r.Body).Decode(&h); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.registered = append(f.registered, h)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"host_id": f.hostIDToIssue})
	})
	mux.HandleFunc("/api/v1/packs", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failPacksN > 0 {
			f.failPacksN--
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var p storage.Pack
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.submitted = append(f.submitted, p)
		w.WriteHeader(http.StatusAccepted)
	})
	return mux
}

func (f *fakeDashboard) submittedPacks() []storage.Pack {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storage.Pack{}, f.submitted...)
}

func (f *fakeDashboard) registeredHosts() []storage.Host {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storage.Host{}, f.registered...)
}

// startTestDashboard starts an httptest TLS server requiring a client
// certificate signed by pki's CA, serving f's handler.
func startTestDashboard(t *testing.T, pki *testPKI, f *fakeDashboard) *httptest.Server {
	t.Helper()

	srv := httptest.NewUnstartedServer(f.handler())

	caPool := x509.NewCertPool()
	caPool.AddCert(pki.caCert)

	srvKey, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	srvTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject:      pkix.Name{CommonName: "tracepack-dashboardd"},
		DNSNames:     []string{"127.0.0.1", "localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	srvCertDER, err := x509.CreateCertificate(rand.Reader, srvTemplate, pki.caCert, &srvKey.PublicKey, pki.caKey)
	if err != nil {
		t.Fatalf("create server cert: %v", err)
	}
	srvCert := tls.Certificate{
		Certificate: [][]byte{srvCertDER},
		PrivateKey:  srvKey,
	}

	srv.TLS = &tls.Config{
		Certificates: []tls.Certificate{srvCert},
		ClientCAs:    caPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}
	srv.StartTLS()
	t.Cleanup(srv.Close)
	return srv
}

func newTestReporter(t *testing.T, pki *testPKI, addr string, src client.Source) *client.Reporter {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r, err := client.New(client.Config{
		DashboardAddr:  addr,
		CertPath:       pki.cliCrtPath,
		KeyPath:        pki.cliKeyPath,
		CAPath:         pki.caCertPath,
		InitialBackoff: 20 * time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
		SubmitInterval: 30 * time.Millisecond,
		Hostname:       "test-host",
	}, logger, src)
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}
	return r
}

// ─── tests ──────────────────────────────────────────────────────────────────

func TestNew_BadCertPath_ReturnsError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := client.New(client.Config{
		DashboardAddr: "https://127.0.0.1:9999",
		CertPath:      "/nonexistent/host.crt",
		KeyPath:       "/nonexistent/host.key",
		CAPath:        "/nonexistent/ca.crt",
	}, logger, &fakeSource{})
	if err == nil {
		t.Fatal("expected error for missing cert files; got nil")
	}
}

func TestReporter_RegistersAndSubmitsPendingPacks(t *testing.T) {
	pki := newTestPKI(t)
	dash := newFakeDashboard("host-uuid-123")
	srv := startTestDashboard(t, pki, dash)

	src := &fakeSource{pending: []packstore.PendingPack{
		{ID: 1, Built: packstore.Built{Device: "8:0", Path: "/prefetch/8-0.pack", PathCount: 10, BlockCount: 200, BuiltAt: time.Now()}},
		{ID: 2, Built: packstore.Built{Device: "8:0", Path: "/prefetch/8-0.pack", PathCount: 11, BlockCount: 210, BuiltAt: time.Now()}},
	}}

	r := newTestReporter(t, pki, srv.URL, src)
	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(dash.submittedPacks()) >= 2 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	r.Stop()

	submitted := dash.submittedPacks()
	if len(submitted) != 2 {
		t.Fatalf("dashboard received %d packs; want 2", len(submitted))
	}
	for _, p := range submitted {
		if p.HostID != "host-uuid-123" {
			t.Errorf("submitted pack HostID = %q; want %q", p.HostID, "host-uuid-123")
		}
		if p.PackID == "" {
			t.Error("submitted pack PackID is empty")
		}
	}

	if acked := src.ackedIDs(); len(acked) != 2 {
		t.Errorf("acked %d ids; want 2", len(acked))
	}

	registered := dash.registeredHosts()
	if len(registered) == 0 {
		t.Fatal("dashboard never received a host registration")
	}
	if registered[0].Hostname != "test-host" {
		t.Errorf("registered hostname = %q; want %q", registered[0].Hostname, "test-host")
	}
}

func TestReporter_NoPendingPacks_DoesNotSubmit(t *testing.T) {
	pki := newTestPKI(t)
	dash := newFakeDashboard("host-empty")
	srv := startTestDashboard(t, pki, dash)

	src := &fakeSource{}
	r := newTestReporter(t, pki, srv.URL, src)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	time.Sleep(150 * time.Millisecond)
	r.Stop()

	if got := dash.submittedPacks(); len(got) != 0 {
		t.Errorf("submitted %d packs with nothing pending; want 0", len(got))
	}
	if got := dash.registeredHosts(); len(got) == 0 {
		t.Error("expected the reporter to register the host even with no packs pending")
	}
}

func TestReporter_RetriesAfterTransientSubmitFailure(t *testing.T) {
	pki := newTestPKI(t)
	dash := newFakeDashboard("host-retry")
	dash.failPacksN = 2 // first two submit attempts fail
	srv := startTestDashboard(t, pki, dash)

	src := &fakeSource{pending: []packstore.PendingPack{
		{ID: 1, Built: packstore.Built{Device: "8:0", Path: "/prefetch/8-0.pack", PathCount: 5, BlockCount: 50, BuiltAt: time.Now()}},
	}}

	r := newTestReporter(t, pki, srv.URL, src)
	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(dash.submittedPacks()) >= 1 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	r.Stop()

	if got := len(dash.submittedPacks()); got != 1 {
		t.Fatalf("submitted %d packs after retries; want 1", got)
	}
	if got := len(src.ackedIDs()); got != 1 {
		t.Fatalf("acked %d packs; want 1", got)
	}
}

func TestReporter_StopIsClean(t *testing.T) {
	pki := newTestPKI(t)
	dash := newFakeDashboard("host-stop")
	srv := startTestDashboard(t, pki, dash)

	r := newTestReporter(t, pki, srv.URL, &fakeSource{})
	ctx := context.Background()
	r.Start(ctx)

	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Stop()
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return within 5 seconds")
	}
}

func TestReporter_AckErrorDoesNotPanic(t *testing.T) {
	pki := newTestPKI(t)
	dash := newFakeDashboard("host-ackerr")
	srv := startTestDashboard(t, pki, dash)

	src := &fakeSource{
		pending: []packstore.PendingPack{
			{ID: 1, Built: packstore.Built{Device: "8:0", Path: "/p.pack", PathCount: 1, BlockCount: 1, BuiltAt: time.Now()}},
		},
		ackErr: errors.New("disk full"),
	}

	r := newTestReporter(t, pki, srv.URL, src)
	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(dash.submittedPacks()) >= 1 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	r.Stop()

	if got := len(dash.submittedPacks()); got != 1 {
		t.Fatalf("submitted %d packs; want 1 (ack failure should not block submission)", got)
	}
}
