package lockfile

import (
	"encoding/json"
	"fmt"
	"strings"

	"pkt.systems/changed/api"
)

// validateOwner rejects malformed owner strings before any filesystem write.
// Owners are opaque but must be printable, single-line, and bounded so a
// hostile owner string cannot inject content into lock files or audit lines.
func validateOwner(owner string) error {
	if strings.TrimSpace(owner) == "" {
		return api.Failure{
			Code:       api.CodeInvalidOwner,
			Detail:     "owner is required",
			HTTPStatus: 400,
		}
	}
	if len(owner) > maxOwnerLength {
		return api.Failure{
			Code:       api.CodeInvalidOwner,
			Detail:     fmt.Sprintf("owner exceeds %d bytes", maxOwnerLength),
			HTTPStatus: 400,
		}
	}
	for _, r := range owner {
		if r < 0x20 || r == 0x7f {
			return api.Failure{
				Code:       api.CodeInvalidOwner,
				Detail:     "owner contains control characters",
				HTTPStatus: 400,
			}
		}
	}
	return nil
}

// validateResource keeps resource keys inside the lock directory. Keys are
// change slugs; anything with a path separator or dot-prefix is rejected.
func validateResource(resource string) error {
	if resource == "" {
		return api.Failure{Code: api.CodeValidation, Detail: "resource key is required", HTTPStatus: 400}
	}
	if strings.ContainsAny(resource, "/\\") || strings.HasPrefix(resource, ".") {
		return api.Failure{
			Code:       api.CodeValidation,
			Detail:     fmt.Sprintf("invalid resource key %q", resource),
			HTTPStatus: 400,
		}
	}
	return nil
}

func validateMetadata(meta api.LockMetadata) error {
	encoded, err := json.Marshal(meta)
	if err != nil {
		return api.Failure{Code: api.CodeValidation, Detail: "metadata not encodable", HTTPStatus: 400}
	}
	if len(encoded) > maxMetadataBytes {
		return api.Failure{
			Code:       api.CodeValidation,
			Detail:     fmt.Sprintf("metadata exceeds %d bytes", maxMetadataBytes),
			HTTPStatus: 400,
		}
	}
	switch meta.Environment {
	case "", api.EnvironmentLocal, api.EnvironmentCI, api.EnvironmentCloud, api.EnvironmentContainer:
	default:
		return api.Failure{
			Code:       api.CodeValidation,
			Detail:     fmt.Sprintf("unknown environment %q", meta.Environment),
			HTTPStatus: 400,
		}
	}
	switch meta.Purpose {
	case "", api.PurposeInteractive, api.PurposeAutomated, api.PurposeEmergency:
	default:
		return api.Failure{
			Code:       api.CodeValidation,
			Detail:     fmt.Sprintf("unknown purpose %q", meta.Purpose),
			HTTPStatus: 400,
		}
	}
	return nil
}
