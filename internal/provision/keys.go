// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"fmt"
	"hash"
	"maps"
	"slices"

	"github.com/opencontainers/go-digest"
)

// keyWriter builds a cache key from labelled fields. Each field is written
// as label, length and value, so no two field sequences encode alike.
type keyWriter struct {
	stage string
	h     hash.Hash
}

func newKey(stage StageName) *keyWriter {
	k := &keyWriter{stage: string(stage), h: digest.Canonical.Hash()}
	k.field("stage", string(stage))
	return k
}

func (k *keyWriter) field(label, value string) *keyWriter {
	fmt.Fprintf(k.h, "%s %d:%s\n", label, len(value), value)
	return k
}

// list writes values in the given order.
func (k *keyWriter) list(label string, values []string) *keyWriter {
	k.field(label+"#", fmt.Sprint(len(values)))
	for _, v := range values {
		k.field(label, v)
	}
	return k
}

// set writes values sorted and deduplicated.
func (k *keyWriter) set(label string, values []string) *keyWriter {
	s := slices.Clone(values)
	slices.Sort(s)
	return k.list(label, slices.Compact(s))
}

// mapping writes m in key order.
func (k *keyWriter) mapping(label string, m map[string]string) *keyWriter {
	keys := slices.Sorted(maps.Keys(m))
	k.field(label+"#", fmt.Sprint(len(keys)))
	for _, key := range keys {
		k.field(label+".key", key).field(label+".value", m[key])
	}
	return k
}

func (k *keyWriter) digest() digest.Digest {
	return digest.NewDigest(digest.Canonical, k.h)
}
