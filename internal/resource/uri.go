package resource

import (
	"fmt"
	"strings"

	"pkt.systems/changed/api"
	"pkt.systems/changed/internal/changes"
)

// Scheme prefixes every resource URI served by the provider.
const Scheme = "changed://"

// CollectionURI identifies the active-changes collection.
const CollectionURI = Scheme + "changes"

// ArtifactURI builds the URI for one artifact of a change.
func ArtifactURI(slug, artifact string) string {
	return fmt.Sprintf("%schanges/%s/%s", Scheme, slug, artifact)
}

// parsedURI is the decoded form of a resource URI. Collection URIs have an
// empty Slug.
type parsedURI struct {
	Slug     string
	Artifact string
}

func parseURI(uri string) (parsedURI, error) {
	rest, ok := strings.CutPrefix(uri, Scheme+"changes")
	if !ok {
		return parsedURI{}, unknownURI(uri)
	}
	if rest == "" {
		return parsedURI{}, nil
	}
	parts := strings.Split(strings.TrimPrefix(rest, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return parsedURI{}, unknownURI(uri)
	}
	if err := changes.ValidateSlug(parts[0]); err != nil {
		return parsedURI{}, err
	}
	return parsedURI{Slug: parts[0], Artifact: parts[1]}, nil
}

func unknownURI(uri string) api.Failure {
	return api.Failure{
		Code:       api.CodeNotFound,
		Detail:     fmt.Sprintf("unknown resource %q", uri),
		Hint:       "resources are " + CollectionURI + " and " + Scheme + "changes/<slug>/<artifact>",
		HTTPStatus: 404,
	}
}
