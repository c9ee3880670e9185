package testutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"licensecore/internal/license"
	"licensecore/internal/security"
	"licensecore/pkg/contracts/domain"
)

// LicenseFixtures creates signed and corrupted license files in a temporary
// directory with a freshly generated key pair.
type LicenseFixtures struct {
	Dir   string
	Keys  security.KeyPair
	Codec *license.Codec
	t     *testing.T
}

// NewLicenseFixtures generates a key pair and a scratch directory for t.
func NewLicenseFixtures(t *testing.T) *LicenseFixtures {
	t.Helper()

	keys, err := security.GenerateKeyPair()
	require.NoError(t, err)
	codec, err := license.NewSigningCodec(keys.PrivateKey)
	require.NoError(t, err)

	return &LicenseFixtures{
		Dir:   t.TempDir(),
		Keys:  keys,
		Codec: codec,
		t:     t,
	}
}

// Document returns an unsigned license for id at tier expiring at expiry.
func (f *LicenseFixtures) Document(id string, tier domain.Tier, expiry time.Time) domain.LicenseDocument {
	return domain.LicenseDocument{
		LicenseID: id,
		IssuedTo:  "Test Lab",
		IssuedAt:  expiry.Add(-365 * 24 * time.Hour).UTC(),
		Expiry:    expiry.UTC(),
		Tier:      tier,
		Features:  []string{"docking", "analytics.*"},
		Limits: domain.Limits{
			MaxSlots:              10,
			MaxWorkUnitsPerMinute: 1000,
			MaxNodes:              4,
		},
	}
}

// Signed returns the signed JSON encoding of doc.
func (f *LicenseFixtures) Signed(doc domain.LicenseDocument) []byte {
	f.t.Helper()

	doc.Signature = ""
	raw, err := json.Marshal(doc)
	require.NoError(f.t, err)
	signed, err := f.Codec.Sign(raw)
	require.NoError(f.t, err)
	return signed
}

// WriteSigned signs doc and writes it to name, returning the path.
func (f *LicenseFixtures) WriteSigned(name string, doc domain.LicenseDocument) string {
	f.t.Helper()
	return f.WriteRaw(name, f.Signed(doc))
}

// WriteUnsigned writes doc without a signature.
func (f *LicenseFixtures) WriteUnsigned(name string, doc domain.LicenseDocument) string {
	f.t.Helper()

	doc.Signature = ""
	raw, err := json.Marshal(doc)
	require.NoError(f.t, err)
	return f.WriteRaw(name, raw)
}

// WriteRaw writes data to name, returning the path.
func (f *LicenseFixtures) WriteRaw(name string, data []byte) string {
	f.t.Helper()

	path := filepath.Join(f.Dir, name)
	require.NoError(f.t, os.WriteFile(path, data, 0600))
	return path
}

// WriteCorrupted writes one of the known broken license shapes: empty,
// invalid_json, wrong_structure, partial_json or not_object.
func (f *LicenseFixtures) WriteCorrupted(name, kind string) string {
	f.t.Helper()

	var data []byte
	switch kind {
	case "empty":
		data = []byte{}
	case "invalid_json":
		data = []byte("{invalid json content}")
	case "wrong_structure":
		data = []byte(`{"wrong": "structure", "missing": "fields"}`)
	case "partial_json":
		data = []byte(`{"licenseId": "PARTIAL"`)
	case "not_object":
		data = []byte(`["licenseId"]`)
	default:
		f.t.Fatalf("unknown corruption type: %s", kind)
	}
	return f.WriteRaw(name, data)
}
