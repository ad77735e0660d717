package room

import (
	"regexp"
	"strconv"

	"github.com/modelguard/relay/internal/ierr"
	"github.com/modelguard/relay/internal/relay"
)

// The two static list topics every connection joins at handshake time and
// leaves only at disconnect. They carry list-level create/update/delete
// events for the respective overview pages.
const (
	ProjectsTopic = "projects"
	CatalogsTopic = "catalogs"
)

var StaticTopics = []string{ProjectsTopic, CatalogsTopic}

func ProjectKey(projectId int64) string {
	return "project:" + strconv.FormatInt(projectId, 10)
}

func CatalogKey(catalogId int64) string {
	return "catalog:" + strconv.FormatInt(catalogId, 10)
}

func Key(dimension relay.RoomDimension, resourceId int64) string {
	if dimension == relay.ProjectDimension {
		return ProjectKey(resourceId)
	}

	return CatalogKey(resourceId)
}

// KeyValidator checks externally supplied room keys (the REST emit surface
// accepts them as strings).
type KeyValidator struct {
	keyRegex *regexp.Regexp
}

func NewKeyValidator() *KeyValidator {
	return &KeyValidator{
		keyRegex: regexp.MustCompile(`^([\w-]+:?)*\w$`),
	}
}

func (v *KeyValidator) Validate(roomKey string) error {
	valid := v.keyRegex.MatchString(roomKey)
	if !valid {
		return ierr.Newf(ierr.ErrorCodeInvalidArgument, "invalid room key")
	}

	return nil
}
