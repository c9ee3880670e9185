// Package license loads, verifies and tracks the product license.
//
// A license is a signed JSON document. The Codec signs and verifies its
// canonical form (the object without its signature, keys sorted, compact).
// The Manager reads the document from a file, an inline value or an external
// validator and moves between these states:
//
//	unknown -> valid | expiring_soon | expired | invalid | free_tier
//
// Every other component queries the Manager for the effective tier, limits
// and features. Operator overrides win over the document, and the document
// wins over the free-tier defaults. Subscribers are told about every state
// change in the order the changes happened.
package license
