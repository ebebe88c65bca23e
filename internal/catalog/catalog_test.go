package catalog

import (
	"errors"
	"testing"
)

func TestLookup(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name        string
		packageID   string
		wantErr     error
		wantCredits int64
		wantAmount  int64
	}{
		{name: "starter", packageID: "starter", wantCredits: 25, wantAmount: 1990},
		{name: "pro", packageID: " pro ", wantCredits: 50, wantAmount: 4990},
		{name: "tycoon", packageID: "tycoon", wantErr: ErrPackageNotFulfillable},
		{name: "unknown", packageID: "mega", wantErr: ErrInvalidPackage},
		{name: "empty", packageID: "", wantErr: ErrInvalidPackage},
	}
	catalog := Default()
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			creditPackage, err := catalog.Lookup(testCase.packageID)
			if testCase.wantErr != nil {
				if !errors.Is(err, testCase.wantErr) {
					test.Fatalf("expected %v, got %v", testCase.wantErr, err)
				}
				return
			}
			if err != nil {
				test.Fatalf("unexpected error: %v", err)
			}
			if creditPackage.Credits != testCase.wantCredits || creditPackage.AmountMinor != testCase.wantAmount {
				test.Fatalf("unexpected package %+v", creditPackage)
			}
		})
	}
}

func TestDescription(test *testing.T) {
	test.Parallel()
	creditPackage, err := Default().Lookup(PackageStarter)
	if err != nil {
		test.Fatalf("lookup: %v", err)
	}
	if got := creditPackage.Description(); got != "25 créditos para Genesis Automator" {
		test.Fatalf("unexpected description %q", got)
	}
}
