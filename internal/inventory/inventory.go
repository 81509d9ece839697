// Package inventory loads named SSH hosts and groups from a YAML file.
//
// A file has optional defaults applied to every host, a map of named hosts and
// a map of groups:
//
//	defaults:
//	  username: deploy
//	  key_path: ~/.ssh/id_ed25519
//	  passphrase: fernet:gAAAAA...
//	hosts:
//	  web1:
//	    address: 10.0.0.1
//	  db1:
//	    url: ssh://admin@10.0.0.9:2222
//	    password: fernet:gAAAAA...
//	groups:
//	  web: [web1]
//
// Secrets (passphrase, password) may be stored encrypted with the "fernet:"
// prefix and are decrypted at load time with the configured key.
package inventory

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gluk-w/fleetexec/internal/crypto"
	"github.com/gluk-w/fleetexec/internal/sshpool"
)

// AllHosts is the target name that selects every host in the inventory.
const AllHosts = "all"

// Entry is one host (or the defaults block) as written in the file.
type Entry struct {
	URL               string        `yaml:"url,omitempty"`
	Address           string        `yaml:"address,omitempty"`
	Port              int           `yaml:"port,omitempty"`
	Username          string        `yaml:"username,omitempty"`
	KeyPath           string        `yaml:"key_path,omitempty"`
	Passphrase        string        `yaml:"passphrase,omitempty"`
	Password          string        `yaml:"password,omitempty"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout,omitempty"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval,omitempty"`
}

// File is the on-disk inventory layout.
type File struct {
	Defaults Entry               `yaml:"defaults"`
	Hosts    map[string]Entry    `yaml:"hosts"`
	Groups   map[string][]string `yaml:"groups"`
}

// Inventory is a resolved set of named host descriptors.
type Inventory struct {
	hosts  map[string]sshpool.HostDescriptor
	groups map[string][]string
}

// Load reads and resolves the inventory at path. keys may be nil when the file
// holds no encrypted values.
func Load(path string, keys *crypto.Keyring) (*Inventory, error) {
	data, err := os.ReadFile(sshpool.ExpandHome(path))
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}
	inv, err := Parse(data, keys)
	if err != nil {
		return nil, fmt.Errorf("inventory %s: %w", path, err)
	}
	return inv, nil
}

// Parse resolves an inventory from YAML.
func Parse(data []byte, keys *crypto.Keyring) (*Inventory, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse inventory: %w", err)
	}

	inv := &Inventory{
		hosts:  make(map[string]sshpool.HostDescriptor, len(f.Hosts)),
		groups: make(map[string][]string, len(f.Groups)),
	}
	for name, e := range f.Hosts {
		if name == AllHosts {
			return nil, fmt.Errorf("host name %q is reserved", AllHosts)
		}
		d, err := resolve(f.Defaults, e, keys)
		if err != nil {
			return nil, fmt.Errorf("host %s: %w", name, err)
		}
		inv.hosts[name] = d
	}
	for group, members := range f.Groups {
		if _, clash := inv.hosts[group]; clash || group == AllHosts {
			return nil, fmt.Errorf("group %s: name already used", group)
		}
		for _, m := range members {
			if _, ok := inv.hosts[m]; !ok {
				return nil, fmt.Errorf("group %s: unknown host %s", group, m)
			}
		}
		inv.groups[group] = append([]string(nil), members...)
	}
	return inv, nil
}

// resolve merges e over the defaults and decrypts secrets.
func resolve(defaults, e Entry, keys *crypto.Keyring) (sshpool.HostDescriptor, error) {
	d := sshpool.HostDescriptor{
		Port:              defaults.Port,
		Username:          defaults.Username,
		KeyPath:           defaults.KeyPath,
		Passphrase:        defaults.Passphrase,
		Password:          defaults.Password,
		ConnectTimeout:    defaults.ConnectTimeout,
		KeepaliveInterval: defaults.KeepaliveInterval,
	}

	if e.URL != "" {
		u, err := sshpool.ParseURL(e.URL)
		if err != nil {
			return d, err
		}
		d.Address = u.Address
		hasUser, hasPort := urlParts(e.URL)
		if hasPort || d.Port == 0 {
			d.Port = u.Port
		}
		if hasUser || d.Username == "" {
			d.Username = u.Username
		}
		if u.Password != "" {
			d.Password = u.Password
		}
	}

	if e.Address != "" {
		d.Address = e.Address
	}
	if e.Port != 0 {
		d.Port = e.Port
	}
	if e.Username != "" {
		d.Username = e.Username
	}
	if e.KeyPath != "" {
		d.KeyPath = e.KeyPath
	}
	if e.Passphrase != "" {
		d.Passphrase = e.Passphrase
	}
	if e.Password != "" {
		d.Password = e.Password
	}
	if e.ConnectTimeout != 0 {
		d.ConnectTimeout = e.ConnectTimeout
	}
	if e.KeepaliveInterval != 0 {
		d.KeepaliveInterval = e.KeepaliveInterval
	}

	var err error
	if d.Passphrase, err = keys.Reveal(d.Passphrase); err != nil {
		return d, fmt.Errorf("passphrase: %w", err)
	}
	if d.Password, err = keys.Reveal(d.Password); err != nil {
		return d, fmt.Errorf("password: %w", err)
	}
	if d.Address == "" {
		return d, fmt.Errorf("address or url is required")
	}
	return d, nil
}

// urlParts reports which optional parts an SSH URL spells out, so defaults
// are only overridden by values the URL actually carries.
func urlParts(raw string) (hasUser, hasPort bool) {
	if !strings.HasPrefix(raw, "ssh://") {
		raw = "ssh://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false, false
	}
	return u.User != nil && u.User.Username() != "", u.Port() != ""
}

// Names returns the host names in sorted order.
func (inv *Inventory) Names() []string {
	names := make([]string, 0, len(inv.hosts))
	for n := range inv.hosts {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Groups returns the group names in sorted order.
func (inv *Inventory) Groups() []string {
	names := make([]string, 0, len(inv.groups))
	for n := range inv.groups {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Host returns the descriptor for a named host.
func (inv *Inventory) Host(name string) (sshpool.HostDescriptor, bool) {
	d, ok := inv.hosts[name]
	return d, ok
}

// Has reports whether name is a host in the inventory.
func (inv *Inventory) Has(name string) bool {
	_, ok := inv.hosts[name]
	return ok
}

// Resolve expands targets into descriptors. A target is a host name, a group
// name, "all", or an SSH URL (anything containing "@" or starting with
// "ssh://"). Hosts selected more than once are returned once, in first-seen
// order.
func (inv *Inventory) Resolve(targets []string) ([]sshpool.HostDescriptor, error) {
	if inv == nil {
		inv = &Inventory{}
	}
	var out []sshpool.HostDescriptor
	seen := make(map[string]bool)
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			out = append(out, inv.hosts[name])
		}
	}

	for _, t := range targets {
		t = strings.TrimSpace(t)
		switch {
		case t == "":
			continue
		case t == AllHosts:
			for _, n := range inv.Names() {
				add(n)
			}
		case inv.Has(t):
			add(t)
		case inv.groups[t] != nil:
			for _, n := range inv.groups[t] {
				add(n)
			}
		case IsURL(t):
			d, err := sshpool.ParseURL(t)
			if err != nil {
				return nil, err
			}
			if !seen[t] {
				seen[t] = true
				out = append(out, d)
			}
		default:
			return nil, fmt.Errorf("unknown host or group %q", t)
		}
	}
	return out, nil
}

// IsURL reports whether target looks like an SSH URL rather than a name.
func IsURL(target string) bool {
	return strings.HasPrefix(target, "ssh://") || strings.Contains(target, "@")
}
