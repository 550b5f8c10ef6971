package logtail

import (
	"errors"
	"fmt"
)

// ErrUnsupportedResourceType rejects logging for resource types that have no
// remote log source naming convention.
var ErrUnsupportedResourceType = errors.New("logtail: unsupported resource type")

// logGroupFor maps a resource type and name to its remote log group. The
// mapping is pure; unsupported types are an immediate error with no side
// effects.
func logGroupFor(resourceType, resourceName string) (string, error) {
	switch resourceType {
	case "AWS::Lambda::Function":
		return "/aws/lambda/" + resourceName, nil
	case "AWS::AppSync::GraphQLApi":
		return "/aws/appsync/apis/" + resourceName, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedResourceType, resourceType)
	}
}
