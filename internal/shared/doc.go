// Package shared holds helpers used by more than one licensecore package.
//
// The testutil subpackage provides:
//
//	- LicenseFixtures, which generates a key pair per test and writes signed,
//	  unsigned and corrupted license files into a temporary directory
//	- BufferedSlogHandler and NewTestLogger for asserting on log records
//
// Example usage:
//
//	func TestExpiredLicense(t *testing.T) {
//	    fixtures := testutil.NewLicenseFixtures(t)
//	    path := fixtures.WriteSigned("license.json",
//	        fixtures.Document("LIC-1", domain.TierStarter, time.Now().Add(-time.Hour)))
//	    // point a license.Manager at path and fixtures.Keys.PublicKey
//	}
//
// Nothing in this tree is imported by production code.
package shared
