// Package fingerprint derives stable content-based identifiers for test
// nodes so that re-executions of the same logical test case can be matched
// across launches.
package fingerprint

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ethpandaops/reportoor/pkg/model"
	"golang.org/x/crypto/blake2b"
)

// Marker prefixes every engine-generated fingerprint. Values without it
// were supplied by clients and are not trusted for retry matching.
const Marker = "auto:"

const digestHexLen = blake2b.Size256 * 2

// Input holds everything a fingerprint is derived from.
type Input struct {
	ProjectID  string
	LaunchName string
	// AncestorNames is ordered from just below the root down to the
	// immediate parent.
	AncestorNames []string
	Name          string
	Parameters    []model.Parameter
}

// Generate returns the fingerprint for in.
func Generate(in Input) string {
	sum := blake2b.Sum256([]byte(canonical(in)))

	return Marker + hex.EncodeToString(sum[:])
}

// Validate reports whether value was produced by Generate.
func Validate(value string) bool {
	digest, ok := strings.CutPrefix(value, Marker)
	if !ok || len(digest) != digestHexLen {
		return false
	}

	_, err := hex.DecodeString(digest)

	return err == nil
}

// canonical renders the fingerprint input as
// "project";"launch";"a","b";"name";"key"="value","raw".
// Every value is quoted, so separators inside names cannot shift a value
// into a neighbouring field. An empty path or parameter list renders as an
// empty field.
func canonical(in Input) string {
	path := make([]string, 0, len(in.AncestorNames))
	for _, name := range in.AncestorNames {
		path = append(path, strconv.Quote(name))
	}

	return strings.Join([]string{
		strconv.Quote(in.ProjectID),
		strconv.Quote(in.LaunchName),
		strings.Join(path, ","),
		strconv.Quote(in.Name),
		renderParameters(in.Parameters),
	}, ";")
}

func renderParameters(params []model.Parameter) string {
	sorted := append([]model.Parameter(nil), params...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Key != sorted[j].Key {
			return sorted[i].Key < sorted[j].Key
		}

		return sorted[i].Value < sorted[j].Value
	})

	rendered := make([]string, 0, len(sorted))
	for _, p := range sorted {
		if p.Key == "" {
			rendered = append(rendered, strconv.Quote(p.Value))

			continue
		}

		rendered = append(rendered, strconv.Quote(p.Key)+"="+strconv.Quote(p.Value))
	}

	return strings.Join(rendered, ",")
}

// NamePather resolves the names of a node and its ancestors, excluding the
// root, ordered from the top down.
type NamePather interface {
	GetNamePath(ctx context.Context, id string) ([]string, error)
}

// Generator computes fingerprints for nodes about to be created.
type Generator struct {
	names NamePather
}

// NewGenerator creates a Generator backed by the given name lookup.
func NewGenerator(names NamePather) *Generator {
	return &Generator{names: names}
}

// ForChild returns the fingerprint of a node named name with the given
// parameters that is about to be attached under parent in launch.
func (g *Generator) ForChild(
	ctx context.Context,
	launch, parent *model.Node,
	name string,
	params []model.Parameter,
) (string, error) {
	var ancestors []string

	if !parent.IsRoot() {
		names, err := g.names.GetNamePath(ctx, parent.ID)
		if err != nil {
			return "", fmt.Errorf("resolving name path of %q: %w", parent.ID, err)
		}

		ancestors = names
	}

	return Generate(Input{
		ProjectID:     launch.ProjectID,
		LaunchName:    launch.Name,
		AncestorNames: ancestors,
		Name:          name,
		Parameters:    params,
	}), nil
}
