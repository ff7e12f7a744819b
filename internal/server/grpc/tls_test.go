package grpcserver

import (
	"path/filepath"
	"testing"
)

func TestTLSOptionsOffWithoutCert(t *testing.T) {
	sopts, err := ServerOptions(TLSConfig{})
	if err != nil || sopts != nil {
		t.Fatalf("server: %v %v", sopts, err)
	}
	dopts, err := DialOptions(TLSConfig{})
	if err != nil || dopts != nil {
		t.Fatalf("dial: %v %v", dopts, err)
	}
}

func TestTLSOptionsReportMissingFiles(t *testing.T) {
	dir := t.TempDir()
	c := TLSConfig{
		CertFile: filepath.Join(dir, "peer.pem"),
		KeyFile:  filepath.Join(dir, "peer.key"),
		CAFile:   filepath.Join(dir, "ca.pem"),
	}
	if _, err := ServerOptions(c); err == nil {
		t.Fatal("expected an error for missing server files")
	}
	if _, err := DialOptions(c); err == nil {
		t.Fatal("expected an error for missing client files")
	}
}
