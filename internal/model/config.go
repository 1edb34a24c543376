package model

import (
	"context"
	"fmt"
	"io"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

// Config is the declarative inventory file: credentials, sources and scans
// referenced by name. It is the input of `quipucords scan` and is seeded into
// the store by `quipucords serve`.
type Config struct {
	Version     int                `json:"version" yaml:"version"`
	Credentials []CredentialConfig `json:"credentials,omitempty" yaml:"credentials,omitempty"`
	Sources     []SourceConfig     `json:"sources,omitempty" yaml:"sources,omitempty"`
	Scans       []ScanConfig       `json:"scans,omitempty" yaml:"scans,omitempty"`
}

type CredentialConfig struct {
	Name           string     `json:"name" yaml:"name"`
	Type           SourceType `json:"type" yaml:"type"`
	Username       string     `json:"username,omitempty" yaml:"username,omitempty"`
	Password       string     `json:"password,omitempty" yaml:"password,omitempty"`
	SSHKeyFile     string     `json:"ssh_key_file,omitempty" yaml:"ssh_key_file,omitempty"`
	SSHPassphrase  string     `json:"ssh_passphrase,omitempty" yaml:"ssh_passphrase,omitempty"`
	AuthToken      string     `json:"auth_token,omitempty" yaml:"auth_token,omitempty"`
	BecomeMethod   string     `json:"become_method,omitempty" yaml:"become_method,omitempty"`
	BecomeUser     string     `json:"become_user,omitempty" yaml:"become_user,omitempty"`
	BecomePassword string     `json:"become_password,omitempty" yaml:"become_password,omitempty"`
}

type SourceConfig struct {
	Name          string     `json:"name" yaml:"name"`
	Type          SourceType `json:"type" yaml:"type"`
	Hosts         []string   `json:"hosts" yaml:"hosts"`
	ExcludeHosts  []string   `json:"exclude_hosts,omitempty" yaml:"exclude_hosts,omitempty"`
	Port          int        `json:"port,omitempty" yaml:"port,omitempty"`
	Credentials   []string   `json:"credentials" yaml:"credentials"`
	SSLCertVerify *bool      `json:"ssl_cert_verify,omitempty" yaml:"ssl_cert_verify,omitempty"`
	SSLProtocol   string     `json:"ssl_protocol,omitempty" yaml:"ssl_protocol,omitempty"`
	DisableSSL    bool       `json:"disable_ssl,omitempty" yaml:"disable_ssl,omitempty"`
	UseProxy      bool       `json:"use_proxy,omitempty" yaml:"use_proxy,omitempty"`
}

type ScanConfig struct {
	Name                     string          `json:"name" yaml:"name"`
	Sources                  []string        `json:"sources" yaml:"sources"`
	MaxConcurrency           int             `json:"max_concurrency,omitempty" yaml:"max_concurrency,omitempty"`
	SearchDirectories        []string        `json:"search_directories,omitempty" yaml:"search_directories,omitempty"`
	DisabledOptionalProducts map[string]bool `json:"disabled_optional_products,omitempty" yaml:"disabled_optional_products,omitempty"`
	ExtendedProductSearch    map[string]bool `json:"enabled_extended_product_search,omitempty" yaml:"enabled_extended_product_search,omitempty"`
	Schedule                 *Schedule       `json:"schedule,omitempty" yaml:"schedule,omitempty"`
}

// Schedule is a tagged union: exactly one of Cron or Duration (ISO-8601) is set.
type Schedule struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("quipucords.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}
	if err := out.checkReferences(); err != nil {
		return Config{}, err
	}
	return out, nil
}

// DefaultConfig is the skeleton written by `quipucords config init`.
func DefaultConfig(_ context.Context) Config {
	verify := true
	return Config{
		Version: 1,
		Credentials: []CredentialConfig{
			{Name: "lab-ssh", Type: SourceNetwork, Username: "root", SSHKeyFile: "~/.ssh/id_rsa", BecomeMethod: "sudo"},
		},
		Sources: []SourceConfig{
			{Name: "lab", Type: SourceNetwork, Hosts: []string{"192.168.122.0/28"}, Credentials: []string{"lab-ssh"}, SSLCertVerify: &verify},
		},
		Scans: []ScanConfig{
			{Name: "lab-inventory", Sources: []string{"lab"}, MaxConcurrency: DefaultMaxConcurrency},
		},
	}
}

// checkReferences resolves cross references by name, which the schema cannot express.
func (c Config) checkReferences() error {
	var v ValidationError
	creds := make(map[string]SourceType, len(c.Credentials))
	for i, cred := range c.Credentials {
		if _, ok := creds[cred.Name]; ok {
			v.add(fmt.Sprintf("credentials[%d].name", i), "duplicate credential %q", cred.Name)
		}
		creds[cred.Name] = cred.Type
	}
	sources := make(map[string]struct{}, len(c.Sources))
	for i, src := range c.Sources {
		if _, ok := sources[src.Name]; ok {
			v.add(fmt.Sprintf("sources[%d].name", i), "duplicate source %q", src.Name)
		}
		sources[src.Name] = struct{}{}
		for _, name := range src.Credentials {
			typ, ok := creds[name]
			switch {
			case !ok:
				v.add(fmt.Sprintf("sources[%d].credentials", i), "unknown credential %q", name)
			case typ != src.Type:
				v.add(fmt.Sprintf("sources[%d].credentials", i), "credential %q has type %s, source requires %s", name, typ, src.Type)
			}
		}
	}
	for i, scan := range c.Scans {
		for _, name := range scan.Sources {
			if _, ok := sources[name]; !ok {
				v.add(fmt.Sprintf("scans[%d].sources", i), "unknown source %q", name)
			}
		}
		if scan.Schedule != nil && scan.Schedule.Cron != "" {
			if _, err := ParseCron(scan.Schedule.Cron); err != nil {
				v.add(fmt.Sprintf("scans[%d].schedule.cron", i), "%v", err)
			}
		}
		if scan.Schedule != nil && scan.Schedule.Duration != "" {
			if _, err := ParseISODuration(scan.Schedule.Duration); err != nil {
				v.add(fmt.Sprintf("scans[%d].schedule.duration", i), "%v", err)
			}
		}
	}
	return v.ErrorOrNil()
}

// Credential converts the config entry into a model Credential, reading the
// ssh key file when one is set.
func (c CredentialConfig) Credential() (Credential, error) {
	cred := Credential{
		Name:           c.Name,
		Type:           c.Type,
		Username:       c.Username,
		Password:       c.Password,
		SSHPassphrase:  c.SSHPassphrase,
		AuthToken:      c.AuthToken,
		BecomeMethod:   c.BecomeMethod,
		BecomeUser:     c.BecomeUser,
		BecomePassword: c.BecomePassword,
	}
	if c.SSHKeyFile != "" {
		path := c.SSHKeyFile
		if len(path) > 1 && path[:2] == "~/" {
			home, err := os.UserHomeDir()
			if err != nil {
				return Credential{}, fmt.Errorf("resolving home directory: %w", err)
			}
			path = home + path[1:]
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return Credential{}, fmt.Errorf("reading ssh key of credential %q: %w", c.Name, err)
		}
		cred.SSHKey = string(b)
	}
	return cred, nil
}

func (s SourceConfig) Source(credIDs []int64) Source {
	port := s.Port
	if port == 0 {
		port = s.Type.DefaultPort()
	}
	return Source{
		Name:         s.Name,
		Type:         s.Type,
		Hosts:        append([]string(nil), s.Hosts...),
		ExcludeHosts: append([]string(nil), s.ExcludeHosts...),
		Port:         port,
		Options: SourceOptions{
			SSLCertVerify: s.SSLCertVerify,
			SSLProtocol:   s.SSLProtocol,
			DisableSSL:    s.DisableSSL,
			UseProxy:      s.UseProxy,
		},
		CredentialIDs: credIDs,
	}
}

func (s ScanConfig) Scan(sourceIDs []int64) Scan {
	return Scan{
		Name:      s.Name,
		ScanType:  ScanTypeInspect,
		SourceIDs: sourceIDs,
		Options: ScanOptions{
			MaxConcurrency:           s.MaxConcurrency,
			SearchDirectories:        append([]string(nil), s.SearchDirectories...),
			DisabledOptionalProducts: s.DisabledOptionalProducts,
			ExtendedProductSearch:    s.ExtendedProductSearch,
		},
	}
}
