package model

import (
	"slices"
	"strings"
)

// Validate checks that the credential carries the secrets its type requires.
func (c Credential) Validate() error {
	var v ValidationError
	if strings.TrimSpace(c.Name) == "" {
		v.add("name", "this field is required")
	}
	if !c.Type.Valid() {
		v.add("cred_type", "unsupported credential type %q", c.Type)
		return v.ErrorOrNil()
	}

	switch c.Type {
	case SourceNetwork:
		if c.Username == "" {
			v.add("username", "this field is required")
		}
		if c.Password == "" && c.SSHKey == "" {
			v.add("password", "a password or an ssh_key is required")
		}
		if c.Password != "" && c.SSHKey != "" {
			v.add("ssh_key", "password and ssh_key are mutually exclusive")
		}
		if c.SSHPassphrase != "" && c.SSHKey == "" {
			v.add("ssh_passphrase", "requires ssh_key")
		}
		if c.BecomeMethod != "" && !slices.Contains(BecomeMethods, c.BecomeMethod) {
			v.add("become_method", "unsupported become method %q", c.BecomeMethod)
		}
	case SourceVCenter, SourceSatellite, SourceAnsible:
		if c.Username == "" {
			v.add("username", "this field is required")
		}
		if c.Password == "" {
			v.add("password", "this field is required")
		}
		if c.AuthToken != "" || c.SSHKey != "" {
			v.add("auth_token", "only username and password are supported for %s", c.Type)
		}
	case SourceOpenShift:
		hasBasic := c.Username != "" && c.Password != ""
		if c.AuthToken == "" && !hasBasic {
			v.add("auth_token", "an auth_token or username and password are required")
		}
		if c.AuthToken != "" && (c.Username != "" || c.Password != "") {
			v.add("auth_token", "auth_token and username/password are mutually exclusive")
		}
	case SourceRHACS:
		if c.AuthToken == "" {
			v.add("auth_token", "this field is required")
		}
		if c.Username != "" || c.Password != "" {
			v.add("username", "only auth_token is supported for rhacs")
		}
	}
	if c.Type != SourceNetwork && (c.BecomeMethod != "" || c.BecomePassword != "" || c.BecomeUser != "") {
		v.add("become_method", "become options are supported only for network credentials")
	}
	return v.ErrorOrNil()
}

// ValidateUpdate enforces that the credential type is immutable.
func (c Credential) ValidateUpdate(previous Credential) error {
	if c.Type != previous.Type {
		var v ValidationError
		v.add("cred_type", "credential type cannot be changed")
		return v.ErrorOrNil()
	}
	return c.Validate()
}

// Validate checks the source against the credentials it references.
func (s Source) Validate(creds []Credential) error {
	var v ValidationError
	if strings.TrimSpace(s.Name) == "" {
		v.add("name", "this field is required")
	}
	if !s.Type.Valid() {
		v.add("source_type", "unsupported source type %q", s.Type)
	}
	if len(s.Hosts) == 0 {
		v.add("hosts", "at least one host is required")
	}
	for _, h := range s.Hosts {
		if strings.TrimSpace(h) == "" {
			v.add("hosts", "empty host")
		}
	}
	if s.Type.Valid() && s.Type != SourceNetwork {
		if len(s.Hosts) > 1 {
			v.add("hosts", "%s sources take exactly one host", s.Type)
		}
		if len(s.ExcludeHosts) > 0 {
			v.add("exclude_hosts", "exclude_hosts is supported only for network sources")
		}
	}
	if s.Port < 0 || s.Port > 65535 {
		v.add("port", "port %d out of range", s.Port)
	}
	if len(s.CredentialIDs) == 0 {
		v.add("credentials", "at least one credential is required")
	}
	if s.Type.Valid() && s.Type != SourceNetwork && len(s.CredentialIDs) > 1 {
		v.add("credentials", "%s sources take exactly one credential", s.Type)
	}
	for _, c := range creds {
		if c.Type != s.Type {
			v.add("credentials", "credential %q has type %s, source requires %s", c.Name, c.Type, s.Type)
		}
	}
	return v.ErrorOrNil()
}

// Validate checks the scan template.
func (s Scan) Validate() error {
	var v ValidationError
	if strings.TrimSpace(s.Name) == "" {
		v.add("name", "this field is required")
	}
	if s.ScanType != "" && s.ScanType != ScanTypeInspect {
		v.add("scan_type", "unsupported scan type %q", s.ScanType)
	}
	if len(s.SourceIDs) == 0 {
		v.add("sources", "at least one source is required")
	}
	if c := s.Options.MaxConcurrency; c < 0 || c > 200 {
		v.add("options.max_concurrency", "must be between 1 and 200")
	}
	for _, d := range s.Options.SearchDirectories {
		if !strings.HasPrefix(d, "/") {
			v.add("options.search_directories", "%q is not an absolute path", d)
		}
	}
	return v.ErrorOrNil()
}
