package authz

import (
	"strconv"
	"strings"
)

const keyPrefix = "authz"

func cacheKey(parts ...string) string {
	return keyPrefix + ":" + strings.Join(parts, ":")
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}

func keyOrganisation(orgID int64) string { return cacheKey("org", itoa(orgID)) }

func keyPermissions() string { return cacheKey("permissions", "all") }

func keyTemplate(templateID int64) string { return cacheKey("template", itoa(templateID)) }

// keyTemplates is the per-organisation aggregate; nil selects the system aggregate.
func keyTemplates(orgID *int64) string {
	if orgID == nil {
		return cacheKey("templates", "system")
	}
	return cacheKey("templates", itoa(*orgID))
}

func keyTemplatesAll() string { return cacheKey("templates", "all") }

func keyRoles(orgID int64) string { return cacheKey("roles", itoa(orgID)) }

func keyRole(roleID int64) string { return cacheKey("role", itoa(roleID)) }

func keyAssignments(orgID, userID int64) string {
	return cacheKey("roles", itoa(orgID), itoa(userID))
}

func keyOverrides(orgID, userID int64) string {
	return cacheKey("overrides", itoa(orgID), itoa(userID))
}

// templateKeys lists every key affected by a change to tmpl.
func templateKeys(tmpl RoleTemplate) []string {
	return []string{keyTemplate(tmpl.ID), keyTemplates(tmpl.OrganisationID), keyTemplatesAll()}
}
