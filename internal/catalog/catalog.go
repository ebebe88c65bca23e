// Package catalog holds the credit packages offered for purchase.
package catalog

import (
	"errors"
	"fmt"
	"strings"
)

// Currency is the ISO code every package is priced in.
const Currency = "brl"

const (
	PackageStarter = "starter"
	PackagePro     = "pro"
	PackageTycoon  = "tycoon"
)

var (
	ErrInvalidPackage        = errors.New("invalid package")
	ErrPackageNotFulfillable = errors.New("package not fulfillable")
)

// Package is a purchasable bundle of credits.
type Package struct {
	ID           string
	Name         string
	AmountMinor  int64
	Credits      int64
	Subscription bool
}

// Description is the line-item text shown on the processor page.
func (creditPackage Package) Description() string {
	return fmt.Sprintf("%d créditos para Genesis Automator", creditPackage.Credits)
}

// Catalog resolves package ids.
type Catalog struct {
	packages map[string]Package
}

// Default returns the production catalog.
func Default() *Catalog {
	return New(
		Package{ID: PackageStarter, Name: "Pack Starter", AmountMinor: 1990, Credits: 25},
		Package{ID: PackagePro, Name: "Pro", AmountMinor: 4990, Credits: 50},
		Package{ID: PackageTycoon, Name: "Tycoon", AmountMinor: 9700, Subscription: true},
	)
}

// New builds a catalog from the given packages.
func New(packages ...Package) *Catalog {
	index := make(map[string]Package, len(packages))
	for _, creditPackage := range packages {
		index[creditPackage.ID] = creditPackage
	}
	return &Catalog{packages: index}
}

// Lookup returns a package that can be sold as a one-time payment.
// Subscription tiers are listed but rejected with ErrPackageNotFulfillable.
func (catalog *Catalog) Lookup(packageID string) (Package, error) {
	creditPackage, ok := catalog.packages[strings.TrimSpace(packageID)]
	if !ok {
		return Package{}, fmt.Errorf("%w: %q", ErrInvalidPackage, packageID)
	}
	if creditPackage.Subscription || creditPackage.Credits <= 0 {
		return Package{}, fmt.Errorf("%w: %q", ErrPackageNotFulfillable, packageID)
	}
	return creditPackage, nil
}
