package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"testing"
	"time"

	"github.com/postalsys/sshmux/internal/wire"
)

func genEd25519(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return pub, priv
}

func TestEd25519RoundTripAndVerify(t *testing.T) {
	pub, priv := genEd25519(t)
	id := &Ed25519Identity{Key: pub}

	decoded, err := Decode(id.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	d, ok := decoded.(*Ed25519Identity)
	if !ok {
		t.Fatalf("wrong type %T", decoded)
	}
	if !d.Key.Equal(pub) {
		t.Fatal("key mismatch after decode")
	}

	data := []byte("exchange hash material")
	sig := Signature{Algorithm: AlgEd25519, Blob: ed25519.Sign(priv, data)}
	if !d.Verify(data, sig) {
		t.Fatal("expected valid signature to verify")
	}
	if d.Verify([]byte("tampered"), sig) {
		t.Fatal("expected tampered data to fail verification")
	}
}

func TestUnknownAlgorithmDecodesAsOther(t *testing.T) {
	w := wire.NewWriter(0)
	w.PutString("ssh-mystery-algo").PutBytes([]byte{1, 2, 3})
	decoded, err := Decode(w.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	other, ok := decoded.(*OtherIdentity)
	if !ok {
		t.Fatalf("wrong type %T", decoded)
	}
	if other.Algorithm() != "ssh-mystery-algo" {
		t.Fatalf("wrong algorithm name %q", other.Algorithm())
	}
	if other.Verify([]byte("x"), Signature{}) {
		t.Fatal("OtherIdentity must never verify")
	}
}

// buildHostCert constructs a signed host certificate for hostname,
// signed by caPriv, embedding subjectPub as the certified key.
func buildHostCert(t *testing.T, subjectPub ed25519.PublicKey, caPub ed25519.PublicKey, caPriv ed25519.PrivateKey, hostname string, validAfter, validBefore uint64, critical []Option) []byte {
	t.Helper()
	body := wire.NewWriter(0)
	body.PutString(AlgEd25519Cert)
	body.PutBytes([]byte("noncenoncenonce1"))
	body.PutBytes(subjectPub)
	body.PutU64(1) // serial
	body.PutU32(CertTypeHost)
	body.PutString("test-host-cert")

	principals := wire.NewWriter(0)
	if hostname != "" {
		principals.PutString(hostname)
	}
	body.PutBytes(principals.Bytes())

	body.PutU64(validAfter)
	body.PutU64(validBefore)

	critBuf := wire.NewWriter(0)
	for _, opt := range critical {
		critBuf.PutString(opt.Name).PutBytes(opt.Data)
	}
	body.PutBytes(critBuf.Bytes())
	body.PutBytes(nil) // extensions
	body.PutBytes(nil) // reserved

	authorityBlob := (&Ed25519Identity{Key: caPub}).Marshal()
	body.PutBytes(authorityBlob)

	sig := ed25519.Sign(caPriv, body.Bytes())
	full := wire.NewWriter(0)
	full.PutRaw(body.Bytes())
	full.PutBytes(Signature{Algorithm: AlgEd25519, Blob: sig}.Marshal())
	return full.Bytes()
}

func TestHostCertificateValid(t *testing.T) {
	subjectPub, _ := genEd25519(t)
	caPub, caPriv := genEd25519(t)

	now := time.Now()
	blob := buildHostCert(t, subjectPub, caPub, caPriv, "example.com", uint64(now.Add(-time.Hour).Unix()), uint64(now.Add(time.Hour).Unix()), nil)

	decoded, err := Decode(blob)
	if err != nil {
		t.Fatal(err)
	}
	cert, ok := decoded.(*Ed25519CertIdentity)
	if !ok {
		t.Fatalf("wrong type %T", decoded)
	}

	ok2, err := HostValid(cert, "example.com", now)
	if err != nil {
		t.Fatal(err)
	}
	if !ok2 {
		t.Fatal("expected certificate to be host-valid")
	}

	if ok2, _ := HostValid(cert, "other.example.com", now); ok2 {
		t.Fatal("expected wrong hostname to be rejected")
	}
	if ok2, _ := HostValid(cert, "example.com", now.Add(2*time.Hour)); ok2 {
		t.Fatal("expected expired certificate to be rejected")
	}
}

func TestHostCertificateBadSignatureRejected(t *testing.T) {
	subjectPub, _ := genEd25519(t)
	caPub, _ := genEd25519(t)
	_, wrongCAPriv := genEd25519(t)

	now := time.Now()
	blob := buildHostCert(t, subjectPub, caPub, wrongCAPriv, "example.com", uint64(now.Add(-time.Hour).Unix()), uint64(now.Add(time.Hour).Unix()), nil)

	decoded, err := Decode(blob)
	if err != nil {
		t.Fatal(err)
	}
	cert := decoded.(*Ed25519CertIdentity)
	ok, err := HostValid(cert, "example.com", now)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected signature mismatch to fail verification")
	}
}

func TestUnrecognizedCriticalOptionRejected(t *testing.T) {
	subjectPub, _ := genEd25519(t)
	caPub, caPriv := genEd25519(t)
	now := time.Now()
	blob := buildHostCert(t, subjectPub, caPub, caPriv, "example.com",
		uint64(now.Add(-time.Hour).Unix()), uint64(now.Add(time.Hour).Unix()),
		[]Option{{Name: "force-command", Data: []byte("ls")}})

	decoded, err := Decode(blob)
	if err != nil {
		t.Fatal(err)
	}
	cert := decoded.(*Ed25519CertIdentity)
	ok, err := HostValid(cert, "example.com", now)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected unrecognized critical option to reject the certificate")
	}
}

func TestClientCertSourceAddress(t *testing.T) {
	subjectPub, _ := genEd25519(t)
	caPub, caPriv := genEd25519(t)
	now := time.Now()

	body := wire.NewWriter(0)
	body.PutString(AlgEd25519Cert)
	body.PutBytes([]byte("noncenoncenonce1"))
	body.PutBytes(subjectPub)
	body.PutU64(2)
	body.PutU32(CertTypeUser)
	body.PutString("alice")
	principals := wire.NewWriter(0)
	principals.PutString("alice")
	body.PutBytes(principals.Bytes())
	body.PutU64(uint64(now.Add(-time.Hour).Unix()))
	body.PutU64(uint64(now.Add(time.Hour).Unix()))
	critBuf := wire.NewWriter(0)
	critBuf.PutString(SourceAddressOption).PutBytes([]byte("10.0.0.0/8"))
	body.PutBytes(critBuf.Bytes())
	body.PutBytes(nil)
	body.PutBytes(nil)
	authorityBlob := (&Ed25519Identity{Key: caPub}).Marshal()
	body.PutBytes(authorityBlob)
	sig := ed25519.Sign(caPriv, body.Bytes())
	full := wire.NewWriter(0)
	full.PutRaw(body.Bytes())
	full.PutBytes(Signature{Algorithm: AlgEd25519, Blob: sig}.Marshal())

	decoded, err := Decode(full.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	cert := decoded.(*Ed25519CertIdentity)

	ok, err := ClientValid(cert, "alice", net.ParseIP("10.1.2.3"), now)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected address inside CIDR to be valid")
	}

	ok, err = ClientValid(cert, "alice", net.ParseIP("192.168.1.1"), now)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected address outside CIDR to be rejected")
	}

	ok, err = ClientValid(cert, "mallory", net.ParseIP("10.1.2.3"), now)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected certificate not listing the connecting principal to be rejected")
	}
}

func TestHostKeyPersistRoundTrip(t *testing.T) {
	dir := t.TempDir()
	priv, created, err := LoadOrCreateHostKey(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected a fresh key to be created")
	}

	loaded, created2, err := LoadOrCreateHostKey(dir)
	if err != nil {
		t.Fatal(err)
	}
	if created2 {
		t.Fatal("expected the second call to load the persisted key")
	}
	if !loaded.Equal(priv) {
		t.Fatal("loaded key does not match persisted key")
	}
}
