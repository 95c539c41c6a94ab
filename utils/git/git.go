package git

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	harukiLogger "haruki-sekai-api/utils/logger"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	gitclient "github.com/go-git/go-git/v5/plumbing/transport/client"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

// HarukiGitUpdater commits and pushes the synced master data repo.
type HarukiGitUpdater struct {
	User     string
	Email    string
	Password string
	Proxy    string
	logger   *harukiLogger.Logger
}

func NewHarukiGitUpdater(user, email, password, proxy string) *HarukiGitUpdater {
	return &HarukiGitUpdater{
		User:     user,
		Email:    email,
		Password: password,
		Proxy:    proxy,
		logger:   harukiLogger.NewLogger("HarukiGitUpdater", "INFO", nil),
	}
}

// hasUnpushedCommits compares HEAD against origin's copy of the same
// branch; an absent remote branch counts as unpushed.
func (g *HarukiGitUpdater) hasUnpushedCommits(repo *git.Repository) (bool, error) {
	headRef, err := repo.Head()
	if err != nil {
		return false, err
	}
	remoteRefName := plumbing.NewRemoteReferenceName("origin", headRef.Name().Short())
	remoteRef, err := repo.Reference(remoteRefName, true)
	if err != nil {
		g.logger.Infof("Remote branch %s not found, assuming there are commits to push", remoteRefName)
		return true, nil
	}
	if headRef.Hash() != remoteRef.Hash() {
		g.logger.Infof("Found unpushed commits: local %s vs remote %s",
			headRef.Hash().String(), remoteRef.Hash().String())
		return true, nil
	}
	return false, nil
}

func (g *HarukiGitUpdater) commitChanges(w *git.Worktree, dataVersion string) error {
	commit, err := w.Commit(fmt.Sprintf("Update data version %s", dataVersion), &git.CommitOptions{
		Author: &object.Signature{
			Name:  "Haruki Sekai Master Update Bot",
			Email: "no-reply@seiunx.com",
			When:  time.Now(),
		},
		Committer: &object.Signature{
			Name:  g.User,
			Email: g.Email,
			When:  time.Now(),
		},
		All: true,
	})
	if err != nil {
		return err
	}
	g.logger.Infof("Committed changes: %v", commit)
	return nil
}

// credentialURL embeds the configured username/password into the
// remote URL, the form some hosts require for token pushes.
func (g *HarukiGitUpdater) credentialURL(raw string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if g.User != "" && g.Password != "" {
		parsed.User = url.UserPassword(g.User, g.Password)
	}
	return parsed.String(), nil
}

func replaceRemoteURL(repo *git.Repository, remoteConfig *gitconfig.RemoteConfig, newURL string) error {
	remoteConfig.URLs[0] = newURL
	if err := repo.DeleteRemote("origin"); err != nil {
		return err
	}
	_, err := repo.CreateRemote(remoteConfig)
	return err
}

// installProxyTransport swaps the http/https transports for ones that
// dial through the configured proxy, returning a restore func.
func (g *HarukiGitUpdater) installProxyTransport() (func(), error) {
	proxyURL, err := url.Parse(g.Proxy)
	if err != nil {
		return nil, err
	}
	g.logger.Infof("Configuring HTTP proxy: %s", g.Proxy)

	customClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyURL(proxyURL),
			TLSClientConfig:       &tls.Config{InsecureSkipVerify: false},
			TLSHandshakeTimeout:   30 * time.Second,
			ResponseHeaderTimeout: 60 * time.Second,
			IdleConnTimeout:       90 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			MaxIdleConns:          10,
			MaxIdleConnsPerHost:   5,
		},
		Timeout: 180 * time.Second,
	}

	originalHTTPS := gitclient.Protocols["https"]
	originalHTTP := gitclient.Protocols["http"]
	proxied := githttp.NewClient(customClient)
	gitclient.InstallProtocol("https", proxied)
	gitclient.InstallProtocol("http", proxied)

	originalHTTPProxy := os.Getenv("HTTP_PROXY")
	originalHTTPSProxy := os.Getenv("HTTPS_PROXY")
	originalNoProxy := os.Getenv("NO_PROXY")
	_ = os.Setenv("HTTP_PROXY", g.Proxy)
	_ = os.Setenv("HTTPS_PROXY", g.Proxy)
	_ = os.Setenv("NO_PROXY", "localhost,127.0.0.1,::1")

	restore := func() {
		if originalHTTPS != nil {
			gitclient.InstallProtocol("https", originalHTTPS)
		}
		if originalHTTP != nil {
			gitclient.InstallProtocol("http", originalHTTP)
		}
		restoreEnv := func(key, val string) {
			if val == "" {
				_ = os.Unsetenv(key)
			} else {
				_ = os.Setenv(key, val)
			}
		}
		restoreEnv("HTTP_PROXY", originalHTTPProxy)
		restoreEnv("HTTPS_PROXY", originalHTTPSProxy)
		restoreEnv("NO_PROXY", originalNoProxy)
	}

	g.logger.Infof("Proxy transport registered successfully: %s", g.Proxy)
	return restore, nil
}

// PushRemote commits any working-tree changes as "Update data version
// <dataVersion>" and pushes the current branch to origin, rewriting the
// remote URL with credentials for the duration of the push.
func (g *HarukiGitUpdater) PushRemote(repo *git.Repository, dataVersion string) error {
	w, err := repo.Worktree()
	if err != nil {
		g.logger.Errorf("Failed to get worktree: %v", err)
		return err
	}
	if err := w.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		g.logger.Errorf("Failed to add changes: %v", err)
		return err
	}
	status, err := w.Status()
	if err != nil {
		g.logger.Errorf("Failed to get status: %v", err)
		return err
	}

	hasUncommittedChanges := !status.IsClean()
	hasUnpushed := false
	if !hasUncommittedChanges {
		hasUnpushed, err = g.hasUnpushedCommits(repo)
		if err != nil {
			g.logger.Errorf("Failed to inspect remote refs: %v", err)
			return err
		}
	}
	if !hasUncommittedChanges && !hasUnpushed {
		g.logger.Infof("No changes to commit or push")
		return nil
	}

	if hasUncommittedChanges {
		if err := g.commitChanges(w, dataVersion); err != nil {
			g.logger.Errorf("Failed to commit: %v", err)
			return err
		}
	} else {
		g.logger.Infof("No uncommitted changes, pushing existing commits")
	}

	headRef, err := repo.Head()
	if err != nil {
		g.logger.Errorf("Failed to get HEAD: %v", err)
		return err
	}
	branchName := headRef.Name().Short()

	remote, err := repo.Remote("origin")
	if err != nil {
		g.logger.Errorf("Failed to get remote: %v", err)
		return err
	}
	remoteConfig := remote.Config()
	origURL := remoteConfig.URLs[0]

	newURL, err := g.credentialURL(origURL)
	if err != nil {
		g.logger.Errorf("Failed to parse remote URL: %v", err)
		return err
	}
	if err := replaceRemoteURL(repo, remoteConfig, newURL); err != nil {
		g.logger.Errorf("Failed to rewrite remote: %v", err)
		return err
	}
	defer func() {
		if err := replaceRemoteURL(repo, remoteConfig, origURL); err != nil {
			g.logger.Warnf("Failed to restore remote URL: %v", err)
		}
	}()

	if g.Proxy != "" {
		restore, err := g.installProxyTransport()
		if err != nil {
			g.logger.Errorf("Failed to parse proxy URL: %v", err)
			return err
		}
		defer restore()
	}

	err = repo.Push(&git.PushOptions{
		RemoteName: "origin",
		Auth:       &githttp.BasicAuth{Username: g.User, Password: g.Password},
		RefSpecs: []gitconfig.RefSpec{
			gitconfig.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branchName, branchName)),
		},
		Progress: os.Stdout,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		g.logger.Errorf("Failed to push: %v", err)
		return err
	}
	g.logger.Infof("Pushed changes to remote branch %s", branchName)
	return nil
}
