//go:build property
// +build property

package manifest_test

import (
	"regexp"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/helm-datasets/pkg/manifest"
)

var hexIdentifier = regexp.MustCompile(`^[0-9a-f]{40}$`)

// Property: the identifier of a relpath does not depend on the separator.
func TestIdentifierSeparatorIndependence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("slash and backslash relpaths share an identifier", prop.ForAll(
		func(segments []string) bool {
			posix := strings.Join(segments, "/")
			windows := strings.Join(segments, `\`)
			id := manifest.ComputeIdentifier(posix)
			return hexIdentifier.MatchString(string(id)) && id == manifest.ComputeIdentifier(windows)
		},
		gen.SliceOfN(3, gen.Identifier()),
	))

	properties.TestingRun(t)
}

// Property: Decode(Encode(m)) has the same digest as m.
func TestManifestDigestStable(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("encoded manifests decode to the same digest", prop.ForAll(
		func(names []string, sizes []int64) bool {
			seen := make(map[string]bool)
			var entries []manifest.Entry
			for i, name := range names {
				if seen[name] {
					continue
				}
				seen[name] = true
				var size int64
				if i < len(sizes) {
					size = sizes[i]
				}
				entries = append(entries, manifest.Entry{Properties: manifest.ItemProperties{
					Relpath:     "data/" + name,
					SizeInBytes: size,
					Hash:        "d41d8cd98f00b204e9800998ecf8427e",
				}})
			}
			m, err := manifest.Build("md5sum_hexdigest", entries)
			if err != nil {
				return false
			}
			data, err := manifest.Encode(m)
			if err != nil {
				return false
			}
			back, err := manifest.Decode(data)
			if err != nil {
				return false
			}
			want, err1 := m.Digest()
			got, err2 := back.Digest()
			return err1 == nil && err2 == nil && want == got
		},
		gen.SliceOf(gen.Identifier()),
		gen.SliceOf(gen.Int64Range(0, 1<<40)),
	))

	properties.TestingRun(t)
}
