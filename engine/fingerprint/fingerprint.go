// Package fingerprint computes the shape digest of an overview listing. Two
// listings with the same shape produce the same fingerprint regardless of the
// order in which the provider site lists their options or extra attributes.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"sort"
	"strconv"
	"strings"

	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/domain"
)

// digestBytes is how much of the SHA-256 sum is kept.
const digestBytes = 16

// Compute returns the fingerprint of l. It is pure and deterministic.
func Compute(l domain.OverviewListing) domain.Fingerprint {
	h := sha256.New()
	writeField(h, "edition", normalize(l.Edition))
	writeField(h, "url", normalizeURL(l.URL))
	if l.BasePrice > 0 {
		writeField(h, "base_price", strconv.FormatFloat(l.BasePrice, 'f', 2, 64))
	}

	opts := normalizeSet(l.Options)
	writeField(h, "options", strconv.Itoa(len(opts)))
	for _, o := range opts {
		writeField(h, "option", o)
	}

	keys := make([]string, 0, len(l.Extra))
	for k := range l.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeField(h, "x:"+normalize(k), normalize(l.Extra[k]))
	}

	sum := h.Sum(nil)
	return domain.Fingerprint(hex.EncodeToString(sum[:digestBytes]))
}

// Identity returns the normalized identity of l: make names are
// canonicalized and country defaults from the provider table.
func Identity(l domain.OverviewListing) domain.VehicleIdentity {
	id := l.Identity
	id.Make = domain.CanonicalMake(id.Make)
	id.Model = strings.Join(strings.Fields(id.Model), " ")
	id.Version = strings.Join(strings.Fields(id.Version), " ")
	id.ListingRef = strings.TrimSpace(id.ListingRef)
	if id.ListingRef == "" && l.URL != "" {
		id.ListingRef = normalizeURL(l.URL)
	}
	if id.Country == "" {
		id.Country = domain.KnownProviders[id.Provider].Country
	}
	return id
}

// writeField writes a length-prefixed name/value pair so that field
// boundaries cannot be forged by concatenation.
func writeField(h hash.Hash, name, value string) {
	var n [4]byte
	for _, s := range []string{name, value} {
		binary.BigEndian.PutUint32(n[:], uint32(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// normalizeURL drops the fragment and a trailing slash.
func normalizeURL(u string) string {
	u = strings.TrimSpace(u)
	if i := strings.IndexByte(u, '#'); i >= 0 {
		u = u[:i]
	}
	return strings.TrimSuffix(u, "/")
}

// normalizeSet lower-cases, trims, de-duplicates and sorts values.
func normalizeSet(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = normalize(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
