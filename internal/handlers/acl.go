package handlers

import (
	"net/http"
	"slices"
	"strings"

	"github.com/s3sfs/s3sfs/internal/engine"
	s3err "github.com/s3sfs/s3sfs/internal/errors"
	"github.com/s3sfs/s3sfs/internal/metadata"
	"github.com/s3sfs/s3sfs/internal/xmlutil"
)

const (
	allUsersURI           = "http://acs.amazonaws.com/groups/global/AllUsers"
	authenticatedUsersURI = "http://acs.amazonaws.com/groups/global/AuthenticatedUsers"
)

// cannedACLs lists the canned ACL names accepted in x-amz-acl.
var cannedACLs = []string{
	"private",
	"public-read",
	"public-read-write",
	"authenticated-read",
	"aws-exec-read",
	"bucket-owner-read",
	"bucket-owner-full-control",
	"log-delivery-write",
}

// grantHeaders maps x-amz-grant-* header names to the corresponding S3
// permission string.
var grantHeaders = []struct{ header, permission string }{
	{"X-Amz-Grant-Full-Control", "FULL_CONTROL"},
	{"X-Amz-Grant-Read", "READ"},
	{"X-Amz-Grant-Read-Acp", "READ_ACP"},
	{"X-Amz-Grant-Write", "WRITE"},
	{"X-Amz-Grant-Write-Acp", "WRITE_ACP"},
}

var permissions = []string{"FULL_CONTROL", "READ", "READ_ACP", "WRITE", "WRITE_ACP"}

// aclFromHeaders reads x-amz-acl or the x-amz-grant-* headers. Setting
// both is rejected. With neither the ACL is empty and the engine applies
// its default.
func aclFromHeaders(h http.Header) (string, []metadata.Grant, error) {
	canned := h.Get("x-amz-acl")
	grants, err := parseGrantHeaders(h)
	if err != nil {
		return "", nil, err
	}
	if canned != "" && len(grants) > 0 {
		return "", nil, s3err.Wrapf(s3err.ErrInvalidRequest, "Specifying both Canned ACLs and Header Grants is not allowed")
	}
	if canned != "" && !slices.Contains(cannedACLs, canned) {
		return "", nil, s3err.Wrapf(s3err.ErrInvalidArgument, "unknown canned ACL %q", canned)
	}
	return canned, grants, nil
}

// parseGrantHeaders parses x-amz-grant-* headers. The header values use the
// format id="canonical-user-id", uri="http://acs.amazonaws.com/groups/..."
// or emailAddress="...", comma-separated for multiple grantees.
func parseGrantHeaders(h http.Header) ([]metadata.Grant, error) {
	var grants []metadata.Grant
	for _, gh := range grantHeaders {
		header, permission := h.Get(gh.header), gh.permission
		if header == "" {
			continue
		}
		for _, entry := range strings.Split(header, ",") {
			entry = strings.TrimSpace(entry)
			if entry == "" {
				continue
			}
			name, value, ok := strings.Cut(entry, "=")
			if !ok {
				return nil, s3err.Wrapf(s3err.ErrInvalidArgument, "malformed grantee %q", entry)
			}
			value = strings.Trim(strings.TrimSpace(value), `"`)
			g := metadata.Grant{Permission: permission}
			switch strings.ToLower(strings.TrimSpace(name)) {
			case "id":
				g.GranteeType, g.ID = "CanonicalUser", value
			case "uri":
				g.GranteeType, g.URI = "Group", value
			case "emailaddress":
				g.GranteeType, g.Email = "AmazonCustomerByEmail", value
			default:
				return nil, s3err.Wrapf(s3err.ErrInvalidArgument, "unknown grantee type %q", name)
			}
			grants = append(grants, g)
		}
	}
	return grants, nil
}

// grantsFromPolicy converts an AccessControlPolicy request body.
func grantsFromPolicy(acp *xmlutil.AccessControlPolicy) ([]metadata.Grant, error) {
	grants := make([]metadata.Grant, 0, len(acp.AccessControlList.Grants))
	for _, g := range acp.AccessControlList.Grants {
		if !slices.Contains(permissions, g.Permission) {
			return nil, s3err.Wrapf(s3err.ErrMalformedXML, "unknown permission %q", g.Permission)
		}
		grants = append(grants, metadata.Grant{
			GranteeType: g.Grantee.Type,
			ID:          g.Grantee.ID,
			DisplayName: g.Grantee.DisplayName,
			URI:         g.Grantee.URI,
			Email:       g.Grantee.EmailAddress,
			Permission:  g.Permission,
		})
	}
	return grants, nil
}

// renderACL builds the AccessControlPolicy of a stored ACL. Explicit grants
// win over the canned name.
func renderACL(info *engine.ACLInfo) xmlutil.AccessControlPolicy {
	owner := ownerXML(info.Owner)
	acp := xmlutil.AccessControlPolicy{Owner: owner}
	if len(info.Grants) > 0 {
		for _, g := range info.Grants {
			acp.AccessControlList.Grants = append(acp.AccessControlList.Grants, xmlutil.Grant{
				Grantee: xmlutil.Grantee{
					Type:         g.GranteeType,
					ID:           g.ID,
					DisplayName:  g.DisplayName,
					URI:          g.URI,
					EmailAddress: g.Email,
				},
				Permission: g.Permission,
			})
		}
		return acp
	}
	acp.AccessControlList.Grants = cannedGrants(info.ACL, owner)
	return acp
}

// cannedGrants expands a canned ACL name into the grants it stands for.
// Unknown names expand to private.
func cannedGrants(canned string, owner xmlutil.Owner) []xmlutil.Grant {
	ownerGrant := xmlutil.Grant{
		Grantee: xmlutil.Grantee{
			Type:        "CanonicalUser",
			ID:          owner.ID,
			DisplayName: owner.DisplayName,
		},
		Permission: "FULL_CONTROL",
	}
	group := func(uri, permission string) xmlutil.Grant {
		return xmlutil.Grant{Grantee: xmlutil.Grantee{Type: "Group", URI: uri}, Permission: permission}
	}

	switch canned {
	case "public-read":
		return []xmlutil.Grant{ownerGrant, group(allUsersURI, "READ")}
	case "public-read-write":
		return []xmlutil.Grant{ownerGrant, group(allUsersURI, "READ"), group(allUsersURI, "WRITE")}
	case "authenticated-read":
		return []xmlutil.Grant{ownerGrant, group(authenticatedUsersURI, "READ")}
	default:
		return []xmlutil.Grant{ownerGrant}
	}
}

// readACLRequest reads the ACL of a PutBucketAcl or PutObjectAcl request
// from its headers or, when none are set, from the XML body.
func readACLRequest(r *http.Request) (string, []metadata.Grant, error) {
	canned, grants, err := aclFromHeaders(r.Header)
	if err != nil {
		return "", nil, err
	}
	if canned != "" || len(grants) > 0 || r.ContentLength == 0 {
		if canned == "" && len(grants) == 0 {
			canned = "private"
		}
		return canned, grants, nil
	}
	var acp xmlutil.AccessControlPolicy
	if err := xmlutil.Decode(r.Body, &acp); err != nil {
		return "", nil, err
	}
	grants, err = grantsFromPolicy(&acp)
	if err != nil {
		return "", nil, err
	}
	return "", grants, nil
}
