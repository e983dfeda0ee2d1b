// pkg/tool/session.go
package tool

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mind-engage/lti-tool/pkg/storage"
)

/*
Session building.

BuildSession is a pure mapping from a validated launch payload to the
Session entity. Persisting the result is the Tool facade's job, not this
file's.

Two distinct role computations happen here and they are NOT views of the
same data:

  - The simplified role set scans the raw vocabulary URIs for bare
    substrings ("Instructor", "Learner", ...) and de-duplicates.
  - The capability booleans (IsInstructor, IsStudent, IsAdmin) match the
    membership-scoped URIs ("membership#Instructor", ...) independently.

A user launched with only an institution-scope Instructor URI gets the
simplified role "instructor" while IsInstructor stays false. Keep the two
computations separate.
*/

// DefaultSessionTTL is how long a session stays readable.
const DefaultSessionTTL = 24 * time.Hour

// simplifiedRoles maps a vocabulary substring to the simplified role name.
var simplifiedRoles = []struct {
	match string
	role  string
}{
	{"Administrator", "admin"},
	{"ContentDeveloper", "content-developer"},
	{"Instructor", "instructor"},
	{"Learner", "student"},
	{"Member", "member"},
}

// SimplifyRoles reduces raw LTI role URIs to a sorted, de-duplicated set
// of short names.
func SimplifyRoles(raw []string) []string {
	set := map[string]struct{}{}
	for _, r := range raw {
		for _, m := range simplifiedRoles {
			if strings.Contains(r, m.match) {
				set[m.role] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func anyRoleContains(raw []string, sub string) bool {
	for _, r := range raw {
		if strings.Contains(r, sub) {
			return true
		}
	}
	return false
}

// BuildSession maps a validated launch payload into a Session with a
// freshly generated random id. Pure except for id/clock generation.
func BuildSession(claims *LaunchClaims, now time.Time, ttl time.Duration) storage.Session {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}

	raw, _ := json.Marshal(claims)

	s := storage.Session{
		ID:        uuid.NewString(),
		RawClaims: raw,
		User: storage.SessionUser{
			ID:         claims.Subject,
			Name:       claims.Name,
			GivenName:  claims.GivenName,
			FamilyName: claims.FamilyName,
			Email:      claims.Email,
			Roles:      SimplifyRoles(claims.Roles),
		},
		Platform: storage.SessionPlatform{
			Issuer:       claims.Issuer,
			ClientID:     claims.Aud(),
			DeploymentID: claims.DeploymentID,
		},
		Launch: storage.SessionLaunch{Target: claims.TargetLinkURI},

		IsAdmin:      anyRoleContains(claims.Roles, "membership#Administrator") || anyRoleContains(claims.Roles, "system/person#Administrator"),
		IsInstructor: anyRoleContains(claims.Roles, "membership#Instructor"),
		IsStudent:    anyRoleContains(claims.Roles, "membership#Learner"),

		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	if claims.Platform != nil {
		s.Platform.Name = claims.Platform.Name
	}

	if claims.Context != nil {
		s.Context = storage.SessionContext{
			ID:    claims.Context.ID,
			Label: firstNonEmpty(claims.Context.Label, claims.Context.ID),
			Title: firstNonEmpty(claims.Context.Title, claims.Context.ID),
		}
	}

	if claims.ResourceLink != nil {
		s.ResourceLink = &storage.SessionResourceLink{
			ID:          claims.ResourceLink.ID,
			Title:       claims.ResourceLink.Title,
			Description: claims.ResourceLink.Description,
		}
	}

	// Service blocks exist only when the corresponding claim was asserted;
	// the capability flags are a plain existence check on the same claims.
	if claims.AGS != nil {
		s.Services.AGS = &storage.AGSService{
			LineItems: claims.AGS.LineItems,
			LineItem:  claims.AGS.LineItem,
			Scopes:    claims.AGS.Scope,
		}
		s.IsAssignmentAndGradesAvailable = true
	}
	if claims.NRPS != nil {
		s.Services.NRPS = &storage.NRPSService{
			ContextMembershipsURL: claims.NRPS.ContextMembershipsURL,
			ServiceVersions:       claims.NRPS.ServiceVersions,
		}
		s.IsNameAndRolesAvailable = true
	}
	if claims.DeepLinking != nil {
		s.Services.DeepLinking = &storage.DeepLinkingService{
			ReturnURL:      claims.DeepLinking.ReturnURL,
			AcceptTypes:    claims.DeepLinking.AcceptTypes,
			AcceptTargets:  claims.DeepLinking.AcceptTargets,
			AcceptMultiple: claims.DeepLinking.AcceptMultiple,
			AutoCreate:     claims.DeepLinking.AutoCreate,
			Data:           claims.DeepLinking.Data,
		}
		s.IsDeepLinkingAvailable = true
	}

	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
