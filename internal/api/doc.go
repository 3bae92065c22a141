// Package api exposes assessments, plugin listings and attestation decoding
// over HTTP.
package api
