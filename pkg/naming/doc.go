// Package naming derives deterministic, length-bounded Kubernetes object
// names and label values from arbitrary user-supplied strings.
//
// Raw identities that already satisfy the object-name constraints pass
// through unchanged, keeping names human readable. Anything else is
// sanitized and suffixed with a fixed-width digest of the original input so
// that two distinct identities cannot collapse to the same name after
// truncation.
package naming
