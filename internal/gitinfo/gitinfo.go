// internal/gitinfo/gitinfo.go
// Package gitinfo derives a default memory scope from the local git
// configuration, for single-user processes started inside a checkout.
package gitinfo

import (
	"os/exec"
	"regexp"
	"strings"

	"github.com/MereWhiplash/engram-cortex/internal/types"
)

// Info holds git configuration info
type Info struct {
	AuthorEmail string
	Repo        string // "org/repo"
}

// Get reads git config from the current directory. Missing values stay
// empty, e.g. outside a repository.
func Get() *Info {
	info := &Info{}
	if out, err := exec.Command("git", "config", "user.email").Output(); err == nil {
		info.AuthorEmail = strings.TrimSpace(string(out))
	}
	if out, err := exec.Command("git", "config", "--get", "remote.origin.url").Output(); err == nil {
		info.Repo = NormalizeRemoteURL(strings.TrimSpace(string(out)))
	}
	return info
}

// Scope maps git identity onto a memory scope: the author email owns the
// memories and the remote's org is the organization.
func (i *Info) Scope() types.Scope {
	s := types.Scope{OwnerID: strings.ToLower(i.AuthorEmail)}
	if org, _, ok := strings.Cut(i.Repo, "/"); ok {
		s.OrganizationID = org
	}
	return s
}

// ResolveScope fills empty fields of s from git. Explicit values win.
func ResolveScope(s types.Scope, info *Info) types.Scope {
	g := info.Scope()
	if s.OwnerID == "" {
		s.OwnerID = g.OwnerID
	}
	if s.OrganizationID == "" {
		s.OrganizationID = g.OrganizationID
	}
	return s
}

var sshRemote = regexp.MustCompile(`git@[^:]+:(.+)`)

// NormalizeRemoteURL converts various git remote URL formats to "org/repo"
func NormalizeRemoteURL(url string) string {
	url = strings.TrimSuffix(strings.TrimSpace(url), ".git")

	switch {
	case strings.HasPrefix(url, "git@"):
		if m := sshRemote.FindStringSubmatch(url); len(m) > 1 {
			return m[1]
		}
	case strings.HasPrefix(url, "ssh://"):
		url = strings.TrimPrefix(url, "ssh://")
		if idx := strings.Index(url, "/"); idx != -1 {
			url = url[idx+1:]
		}
	case strings.HasPrefix(url, "https://"), strings.HasPrefix(url, "http://"):
		url = strings.TrimPrefix(strings.TrimPrefix(url, "https://"), "http://")
		// user:pass@
		if idx := strings.Index(url, "@"); idx != -1 {
			url = url[idx+1:]
		}
		if idx := strings.Index(url, "/"); idx != -1 {
			url = url[idx+1:]
		}
	}
	return url
}
