package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/httputil"
	"github.com/platinummonkey/tollgate/pkg/observability"
)

// CustomerHeader is set by the authenticating gateway to the caller's wallet address
const CustomerHeader = "X-Customer-ID"

// ErrUnauthenticated is returned by authenticators that cannot identify the caller
var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator resolves the wallet address behind a request
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// HeaderAuthenticator trusts the wallet address an upstream gateway put in
// CustomerHeader
type HeaderAuthenticator struct{}

// Authenticate implements Authenticator
func (HeaderAuthenticator) Authenticate(r *http.Request) (string, error) {
	wallet := strings.TrimSpace(r.Header.Get(CustomerHeader))
	if wallet == "" {
		return "", ErrUnauthenticated
	}
	return wallet, nil
}

// CustomerRegistry creates customers on first authentication
type CustomerRegistry interface {
	EnsureCustomer(ctx context.Context, walletAddress string) (*billing.Customer, error)
}

// CustomerAuth authenticates the caller and stores the customer id in the
// request context
func CustomerAuth(auth Authenticator, customers CustomerRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wallet, err := auth.Authenticate(r)
			if err != nil {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}
			customer, err := customers.EnsureCustomer(r.Context(), wallet)
			if err != nil {
				observability.FromContext(r.Context()).WithError(err).Error("Customer registration failed")
				httputil.WriteServiceError(w, err)
				return
			}
			ctx := observability.WithCustomerID(r.Context(), customer.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CustomerID returns the authenticated customer, if any
func CustomerID(r *http.Request) (int64, bool) {
	return observability.GetCustomerID(r.Context())
}
