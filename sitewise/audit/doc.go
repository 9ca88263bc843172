// Package audit records who changed what, as RFC 6902 patches plus
// post-state snapshots, in the same transaction as the change itself.
//
// Because entries commit or roll back with the business write, the trail
// can never describe a change that did not happen, and no committed change
// can be missing its entry. Serialization failures abort the transaction
// rather than losing the record.
package audit
