// Package ldapdir writes the internal store into an LDAP tree. LDAP is
// always the push side: it receives users, groups, login passwords and WLAN
// passwords, and is never read back into the store.
package ldapdir

import (
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/openidx/idsync/internal/common/config"
)

// lockedTime is the pwdAccountLockedTime value ppolicy treats as locked forever
const lockedTime = "000001010000Z"

// Config holds LDAP connection and layout settings
type Config struct {
	Host            string
	Port            int
	UseTLS          bool
	StartTLS        bool
	SkipTLSVerify   bool
	BindDN          string
	BindPassword    string
	BaseDN          string
	UserBaseDN      string
	GroupBaseDN     string
	UserFilter      string
	GroupFilter     string
	MemberAttribute string
	PageSize        int
	Timeout         time.Duration
	Mapping         AttributeMapping
}

// AttributeMapping maps LDAP attributes to user fields
type AttributeMapping struct {
	Username  string
	Email     string
	FirstName string
	LastName  string
	GroupName string
}

// DefaultMapping returns the inetOrgPerson attribute names
func DefaultMapping() AttributeMapping {
	return AttributeMapping{
		Username:  "uid",
		Email:     "mail",
		FirstName: "givenName",
		LastName:  "sn",
		GroupName: "cn",
	}
}

// FromConfig converts the service configuration
func FromConfig(c config.LDAPConfig) Config {
	return Config{
		Host:            c.Host,
		Port:            c.Port,
		UseTLS:          c.UseTLS,
		StartTLS:        c.StartTLS,
		SkipTLSVerify:   c.SkipTLSVerify,
		BindDN:          c.BindDN,
		BindPassword:    c.BindPassword,
		BaseDN:          c.BaseDN,
		UserBaseDN:      c.UserBaseDN,
		GroupBaseDN:     c.GroupBaseDN,
		UserFilter:      c.UserFilter,
		GroupFilter:     c.GroupFilter,
		MemberAttribute: c.MemberAttribute,
		PageSize:        c.PageSize,
		Timeout:         c.Timeout,
		Mapping:         DefaultMapping(),
	}
}

// withDefaults fills empty fields
func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = 389
		if c.UseTLS {
			c.Port = 636
		}
	}
	if c.UserBaseDN == "" {
		c.UserBaseDN = "ou=users," + c.BaseDN
	}
	if c.GroupBaseDN == "" {
		c.GroupBaseDN = "ou=groups," + c.BaseDN
	}
	if c.UserFilter == "" {
		c.UserFilter = "(objectClass=inetOrgPerson)"
	}
	if c.GroupFilter == "" {
		c.GroupFilter = "(objectClass=groupOfNames)"
	}
	if c.MemberAttribute == "" {
		c.MemberAttribute = "member"
	}
	if c.PageSize <= 0 {
		c.PageSize = 500
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	d := DefaultMapping()
	if c.Mapping.Username == "" {
		c.Mapping.Username = d.Username
	}
	if c.Mapping.Email == "" {
		c.Mapping.Email = d.Email
	}
	if c.Mapping.FirstName == "" {
		c.Mapping.FirstName = d.FirstName
	}
	if c.Mapping.LastName == "" {
		c.Mapping.LastName = d.LastName
	}
	if c.Mapping.GroupName == "" {
		c.Mapping.GroupName = d.GroupName
	}
	return c
}

func (c Config) userAttributes() []string {
	return []string{c.Mapping.Username, c.Mapping.Email, c.Mapping.FirstName, c.Mapping.LastName, "cn", "pwdAccountLockedTime"}
}

func (c Config) groupAttributes() []string {
	return []string{c.Mapping.GroupName, "description", c.MemberAttribute}
}

func (c Config) userDN(username string) string {
	return c.Mapping.Username + "=" + ldap.EscapeDN(username) + "," + c.UserBaseDN
}

func (c Config) groupDN(name string) string {
	return c.Mapping.GroupName + "=" + ldap.EscapeDN(name) + "," + c.GroupBaseDN
}
