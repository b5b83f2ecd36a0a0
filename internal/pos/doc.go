// Package pos holds the point-of-sale record types shared by the shift
// service and the reconciliation engine.
//
// Money and quantities are decimals, never floats. Stored records are
// decoded leniently: a numeric field holding something that is not a number
// does not fail the decode, it marks the Amount invalid so reconciliation
// can count the record as malformed instead of dropping the whole shift.
package pos
