// Package fetch implements the adaptive retrieval engine: repeated download
// attempts against a fingerprint-sensitive provider, escalating through three
// phases (sticky identity, fresh identity per attempt, maximum
// permissiveness) while rotating network identities and classifying failures.
//
// A permanent-class error from any attempt abandons all remaining phases
// immediately; transient blocking drives identity rotation; everything else
// retries under bounded budgets. Partial files are removed before every
// attempt so no stale artifact leaks into the next try.
package fetch
