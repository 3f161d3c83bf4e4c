package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"pongarena/broker/internal/config"
	"pongarena/broker/internal/logging"
)

type stubServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *stubServerStream) Context() context.Context {
	return s.ctx
}

func generateSelfSignedCert(t *testing.T) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "pong-admin"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certFile, keyFile
}

func TestSharedSecretInterceptorAcceptsValidSecret(t *testing.T) {
	interceptor := newSharedSecretStreamInterceptor("hunter2")
	md := metadata.New(map[string]string{sharedSecretMetadataKey: "hunter2"})
	stream := &stubServerStream{ctx: metadata.NewIncomingContext(context.Background(), md)}
	called := false
	handler := func(any, grpc.ServerStream) error {
		called = true
		return nil
	}
	if err := interceptor(nil, stream, &grpc.StreamServerInfo{}, handler); err != nil {
		t.Fatalf("interceptor returned error: %v", err)
	}
	if !called {
		t.Fatal("expected handler to be invoked for valid secret")
	}
}

func TestSharedSecretInterceptorRejectsMissingSecret(t *testing.T) {
	interceptor := newSharedSecretStreamInterceptor("hunter2")
	stream := &stubServerStream{ctx: context.Background()}
	handler := func(any, grpc.ServerStream) error { return nil }
	err := interceptor(nil, stream, &grpc.StreamServerInfo{}, handler)
	if st, _ := status.FromError(err); st.Code() != codes.Unauthenticated {
		t.Fatalf("expected unauthenticated code, got %v", err)
	}
}

func TestSharedSecretUnaryInterceptorAcceptsBearer(t *testing.T) {
	interceptor := newSharedSecretUnaryInterceptor("hunter2")
	handler := func(context.Context, any) (any, error) { return "ok", nil }

	md := metadata.New(map[string]string{"authorization": "Bearer hunter2"})
	resp, err := interceptor(metadata.NewIncomingContext(context.Background(), md), nil, &grpc.UnaryServerInfo{}, handler)
	if err != nil || resp != "ok" {
		t.Fatalf("expected bearer token to pass, got %v %v", resp, err)
	}

	md = metadata.New(map[string]string{"authorization": "Bearer wrong"})
	_, err = interceptor(metadata.NewIncomingContext(context.Background(), md), nil, &grpc.UnaryServerInfo{}, handler)
	if st, _ := status.FromError(err); st.Code() != codes.Unauthenticated {
		t.Fatalf("expected unauthenticated code, got %v", err)
	}
}

func TestLoadMTLSCredentialsFailsWithBadPaths(t *testing.T) {
	if _, err := loadMTLSCredentials("missing-cert", "missing-key", "missing-ca"); err == nil {
		t.Fatal("expected error for missing files")
	}
}

func TestConfigureGRPCSecurityMTLS(t *testing.T) {
	certFile, keyFile := generateSelfSignedCert(t)
	cfg := &config.Config{TLSCertPath: certFile, TLSKeyPath: keyFile, GRPCClientCA: certFile}
	opts, err := configureGRPCSecurity(cfg, logging.NewTestLogger())
	if err != nil {
		t.Fatalf("configureGRPCSecurity: %v", err)
	}
	if len(opts) != 1 {
		t.Fatalf("expected one credentials option, got %d", len(opts))
	}
}

func TestConfigureGRPCSecuritySharedSecret(t *testing.T) {
	cfg := &config.Config{GRPCSecret: "hunter2"}
	opts, err := configureGRPCSecurity(cfg, logging.NewTestLogger())
	if err != nil {
		t.Fatalf("configureGRPCSecurity: %v", err)
	}
	if len(opts) != 2 {
		t.Fatalf("expected unary and stream interceptors, got %d options", len(opts))
	}
}

func TestConfigureGRPCSecurityRequiresAMechanism(t *testing.T) {
	if _, err := configureGRPCSecurity(&config.Config{}, logging.NewTestLogger()); err == nil {
		t.Fatal("expected error without secret or client ca")
	}
}
