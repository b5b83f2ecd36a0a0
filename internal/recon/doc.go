// Package recon folds a shift's sale and refund records into a financial
// report and the expected cash-drawer balance.
//
// Refund semantics: a refund is cash leaving the drawer. GrossReceived is
// what regular sales collected; TotalReceived is GrossReceived minus
// TotalRefunds. With that definition every report satisfies
//
//	TotalReceived + TotalRemaining == TotalSales - TotalRefunds
//
// within 0.01. Compute checks the identity and attaches a warning when it
// does not hold; it never fails.
package recon
