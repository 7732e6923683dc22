package ldapdir

import (
	"strings"

	"github.com/go-ldap/ldap/v3"

	"github.com/openidx/idsync/internal/directory"
)

// mapUserEntry maps an LDAP entry to a directory user. The DN is the external id.
func (c Config) mapUserEntry(entry *ldap.Entry) directory.ExternalUser {
	return directory.ExternalUser{
		ID:        entry.DN,
		Username:  entry.GetAttributeValue(c.Mapping.Username),
		FirstName: entry.GetAttributeValue(c.Mapping.FirstName),
		LastName:  entry.GetAttributeValue(c.Mapping.LastName),
		Email:     entry.GetAttributeValue(c.Mapping.Email),
		Enabled:   entry.GetAttributeValue("pwdAccountLockedTime") == "",
	}
}

func (c Config) mapGroupEntry(entry *ldap.Entry) directory.ExternalGroup {
	return directory.ExternalGroup{
		ID:          entry.DN,
		Name:        entry.GetAttributeValue(c.Mapping.GroupName),
		Description: entry.GetAttributeValue("description"),
	}
}

// commonName builds the mandatory cn of a person entry
func commonName(u directory.ExternalUser) string {
	cn := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if cn == "" {
		return u.Username
	}
	return cn
}

// surname returns the mandatory sn of a person entry
func surname(u directory.ExternalUser) string {
	if u.LastName == "" {
		return u.Username
	}
	return u.LastName
}

// rdnValue returns the value of attr when it is the first RDN of dn
func rdnValue(dn, attr string) (string, bool) {
	parsed, err := ldap.ParseDN(dn)
	if err != nil || len(parsed.RDNs) == 0 {
		return "", false
	}
	for _, a := range parsed.RDNs[0].Attributes {
		if strings.EqualFold(a.Type, attr) {
			return a.Value, true
		}
	}
	return "", false
}

func optional(v string) []string {
	if v == "" {
		return nil
	}
	return []string{v}
}
