// Package paging implements the opaque pagingcookie codec and the
// clone-before-execute helper the execution runtime needs to page a
// CompiledQuery safely (§5's "not safe to re-execute concurrently"
// invariant). The codec is grounded in the teacher's Relay-style cursor
// codec, repurposed from row-seek cursors to FetchXML's page/pagingcookie
// pair: an opaque base64-encoded JSON envelope around the platform's own
// paging cookie plus enough context to catch a caller reusing a cookie
// against the wrong query.
package paging

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"sql4dataverse/internal/compiler"
	"sql4dataverse/internal/fetchxml"
)

type cookiePayload struct {
	Version int    `json:"v"`
	Entity  string `json:"e"`
	Page    int    `json:"p"`
	Native  string `json:"c"`
}

// EncodeCookie wraps the platform's own paging cookie (returned on a prior
// page's response) together with the entity name and page number it was
// issued for.
func EncodeCookie(entity string, page int, nativeCookie string) string {
	payload := cookiePayload{Version: 1, Entity: entity, Page: page, Native: nativeCookie}
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeCookie parses a base64-encoded JSON paging cookie into its
// components: the entity it was issued for, the page number, and the
// platform's own opaque cookie value to feed back into the next request.
func DecodeCookie(raw string) (entity string, page int, nativeCookie string, err error) {
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", 0, "", fmt.Errorf("invalid paging cookie: %w", err)
	}
	var payload cookiePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", 0, "", fmt.Errorf("invalid paging cookie format")
	}
	if payload.Version != 1 {
		return "", 0, "", fmt.Errorf("invalid paging cookie format: unsupported version %d", payload.Version)
	}
	if payload.Entity == "" {
		return "", 0, "", fmt.Errorf("invalid paging cookie: missing entity")
	}
	return payload.Entity, payload.Page, payload.Native, nil
}

// ValidateCookie confirms a decoded cookie was issued for the entity the
// caller is currently paging.
func ValidateCookie(expectedEntity, actualEntity string) error {
	if expectedEntity != actualEntity {
		return fmt.Errorf("paging cookie entity mismatch: expected %s, got %s", expectedEntity, actualEntity)
	}
	return nil
}

// CloneFetch returns a copy of f holding its own Page/PagingCookie fields.
// The Entity tree underneath is never mutated once Finalize has run, so it
// is safe for the clone to keep sharing it by reference.
func CloneFetch(f *fetchxml.Fetch) *fetchxml.Fetch {
	if f == nil {
		return nil
	}
	clone := *f
	return &clone
}

// Clone returns a copy of cq safe to page independently of cq: a fresh
// Fetch (and a fresh AggregateAlternative chain, recursively, since it is
// itself a *CompiledQuery with its own Fetch) while every other field is
// shared, because nothing else on CompiledQuery is mutated during
// execution.
func Clone(cq *compiler.CompiledQuery) *compiler.CompiledQuery {
	if cq == nil {
		return nil
	}
	clone := *cq
	clone.Fetch = CloneFetch(cq.Fetch)
	if cq.AggregateAlternative != nil {
		clone.AggregateAlternative = Clone(cq.AggregateAlternative)
	}
	return &clone
}

// AdvancePage applies a platform paging-cookie response to f in place,
// moving it to request the next page (§5).
func AdvancePage(f *fetchxml.Fetch, nativeCookie string) {
	f.Page++
	f.PageSpecified = true
	f.PagingCookie = nativeCookie
}
