// Package ledger performs credit admission checks and cost estimation for
// generation dispatches. The remote backend owns the authoritative debit;
// this package only decides whether a dispatch is worth attempting.
package ledger
