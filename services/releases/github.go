package releases

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/go-github/v66/github"
)

const (
	defaultGitHubAPI = "https://api.github.com"
	githubPageSize   = 100

	// digestMarker opens the hidden block in a release body that records asset digests.
	digestMarker    = "<!-- relpack-assets"
	digestMarkerEnd = "-->"
)

// GitHubOptions configures the GitHub Releases backend.
type GitHubOptions struct {
	Owner string
	Repo  string
	Token string
	// APIURL defaults to the public github.com endpoint. For GitHub Enterprise the upload
	// endpoint is derived from APIURL's host unless UploadURL is set.
	APIURL     string
	UploadURL  string
	HTTPClient *http.Client
}

// GitHubRegistry publishes releases to a GitHub repository through the REST API.
type GitHubRegistry struct {
	owner  string
	repo   string
	client *github.Client
	// http follows asset download redirects, which leave the API host.
	http *http.Client
}

func NewGitHubRegistry(opts GitHubOptions) (*GitHubRegistry, error) {
	if opts.Owner == "" || opts.Repo == "" {
		return nil, errors.New("github owner and repo are required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}

	client := github.NewClient(httpClient)
	if token := strings.TrimSpace(opts.Token); token != "" {
		client = client.WithAuthToken(token)
	}

	apiURL := strings.TrimSpace(opts.APIURL)
	uploadURL := strings.TrimSpace(opts.UploadURL)
	if apiURL == "" {
		apiURL = defaultGitHubAPI
	}
	if strings.TrimRight(apiURL, "/") != defaultGitHubAPI || uploadURL != "" {
		if uploadURL == "" {
			derived, err := enterpriseUploadURL(apiURL)
			if err != nil {
				return nil, err
			}
			uploadURL = derived
		}
		var err error
		client, err = client.WithEnterpriseURLs(apiURL, uploadURL)
		if err != nil {
			return nil, fmt.Errorf("github endpoints: %w", err)
		}
	}

	return &GitHubRegistry{owner: opts.Owner, repo: opts.Repo, client: client, http: httpClient}, nil
}

// enterpriseUploadURL maps a GitHub Enterprise API URL to its upload endpoint on the same
// host.
func enterpriseUploadURL(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", fmt.Errorf("parse github api url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("github api url %q must be absolute", apiURL)
	}
	return u.Scheme + "://" + u.Host + "/api/uploads/", nil
}

func (g *GitHubRegistry) Upsert(ctx context.Context, rel Release, files []File) (*Release, error) {
	rel, err := describe(rel, files)
	if err != nil {
		return nil, err
	}

	payload := &github.RepositoryRelease{
		Name: github.String(rel.Title),
		Body: github.String(embedDigests(rel.Body, rel.Assets)),
	}
	if rel.Commit != "" {
		payload.TargetCommitish = github.String(rel.Commit)
	}

	existing, err := g.lookup(ctx, rel.Tag)
	var remote *github.RepositoryRelease
	switch {
	case errors.Is(err, ErrNotFound):
		payload.TagName = github.String(rel.Tag)
		remote, _, err = g.client.Repositories.CreateRelease(ctx, g.owner, g.repo, payload)
		if err != nil {
			return nil, fmt.Errorf("create release %s: %w", rel.Tag, err)
		}
	case err != nil:
		return nil, err
	default:
		remote, _, err = g.client.Repositories.EditRelease(ctx, g.owner, g.repo, existing.GetID(), payload)
		if err != nil {
			return nil, fmt.Errorf("update release %s: %w", rel.Tag, err)
		}
	}

	// Uploads under an existing name are rejected, so colliding assets go first and the
	// remaining stale ones after the new set is in place.
	var stale []*github.ReleaseAsset
	for _, a := range remote.Assets {
		if _, ok := rel.Asset(a.GetName()); ok {
			if err := g.deleteAsset(ctx, a); err != nil {
				return nil, err
			}
			continue
		}
		stale = append(stale, a)
	}
	for _, f := range files {
		if err := g.upload(ctx, remote.GetID(), f); err != nil {
			return nil, err
		}
	}
	for _, a := range stale {
		if err := g.deleteAsset(ctx, a); err != nil {
			return nil, err
		}
	}

	rel.CreatedAt = remote.GetCreatedAt().Time.UTC()
	rel.UpdatedAt = time.Now().UTC()
	return &rel, nil
}

func (g *GitHubRegistry) Get(ctx context.Context, tag string) (*Release, error) {
	remote, err := g.lookup(ctx, tag)
	if err != nil {
		return nil, err
	}
	rel := toRelease(remote)
	return &rel, nil
}

func (g *GitHubRegistry) List(ctx context.Context) ([]Release, error) {
	var out []Release
	opts := &github.ListOptions{PerPage: githubPageSize}
	for {
		batch, resp, err := g.client.Repositories.ListReleases(ctx, g.owner, g.repo, opts)
		if err != nil {
			return nil, fmt.Errorf("list releases: %w", err)
		}
		for _, r := range batch {
			out = append(out, toRelease(r))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out, nil
}

func (g *GitHubRegistry) Open(ctx context.Context, tag, asset string) (io.ReadCloser, error) {
	remote, err := g.lookup(ctx, tag)
	if err != nil {
		return nil, err
	}
	var id int64
	for _, a := range remote.Assets {
		if a.GetName() == asset {
			id = a.GetID()
		}
	}
	if id == 0 {
		return nil, fmt.Errorf("%s/%s: %w", tag, asset, ErrNotFound)
	}

	rc, _, err := g.client.Repositories.DownloadReleaseAsset(ctx, g.owner, g.repo, id, g.http)
	if err != nil {
		return nil, fmt.Errorf("download %s/%s: %w", tag, asset, err)
	}
	return rc, nil
}

func (g *GitHubRegistry) lookup(ctx context.Context, tag string) (*github.RepositoryRelease, error) {
	remote, resp, err := g.client.Repositories.GetReleaseByTag(ctx, g.owner, g.repo, tag)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%s: %w", tag, ErrNotFound)
		}
		return nil, fmt.Errorf("get release %s: %w", tag, err)
	}
	return remote, nil
}

func (g *GitHubRegistry) upload(ctx context.Context, releaseID int64, f File) error {
	file, err := os.Open(f.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer file.Close()

	_, _, err = g.client.Repositories.UploadReleaseAsset(ctx, g.owner, g.repo, releaseID,
		&github.UploadOptions{Name: f.Name, MediaType: "application/octet-stream"}, file)
	if err != nil {
		return fmt.Errorf("upload %s: %w", f.Name, err)
	}
	return nil
}

func (g *GitHubRegistry) deleteAsset(ctx context.Context, a *github.ReleaseAsset) error {
	if _, err := g.client.Repositories.DeleteReleaseAsset(ctx, g.owner, g.repo, a.GetID()); err != nil {
		return fmt.Errorf("delete asset %s: %w", a.GetName(), err)
	}
	return nil
}

// embedDigests appends a hidden block listing asset digests in sha256sum format. The
// Releases API does not report content digests, so they travel with the body.
func embedDigests(body string, assets []Asset) string {
	var b strings.Builder
	b.WriteString(body)
	if body != "" {
		b.WriteString("\n\n")
	}
	b.WriteString(digestMarker + "\n")
	for _, a := range assets {
		fmt.Fprintf(&b, "%s  %s\n", a.SHA256, a.Name)
	}
	b.WriteString(digestMarkerEnd + "\n")
	return b.String()
}

// splitDigests undoes embedDigests. Bodies without the block are returned unchanged.
func splitDigests(body string) (string, map[string]string) {
	i := strings.LastIndex(body, digestMarker)
	if i < 0 {
		return body, nil
	}
	block, _, _ := strings.Cut(body[i+len(digestMarker):], digestMarkerEnd)
	digests := map[string]string{}
	for _, line := range strings.Split(block, "\n") {
		sum, name, ok := strings.Cut(strings.TrimSpace(line), "  ")
		if ok && sum != "" && name != "" {
			digests[name] = sum
		}
	}
	return strings.TrimSuffix(body[:i], "\n\n"), digests
}

func toRelease(r *github.RepositoryRelease) Release {
	body, digests := splitDigests(r.GetBody())
	created := r.GetCreatedAt().Time.UTC()
	rel := Release{
		Tag:       r.GetTagName(),
		Title:     r.GetName(),
		Body:      body,
		Commit:    r.GetTargetCommitish(),
		CreatedAt: created,
		UpdatedAt: created,
		Assets:    make([]Asset, 0, len(r.Assets)),
	}
	if r.PublishedAt != nil {
		rel.UpdatedAt = r.PublishedAt.Time.UTC()
	}
	for _, a := range r.Assets {
		rel.Assets = append(rel.Assets, Asset{
			Name:   a.GetName(),
			Size:   int64(a.GetSize()),
			SHA256: digests[a.GetName()],
		})
	}
	sort.Slice(rel.Assets, func(i, j int) bool { return rel.Assets[i].Name < rel.Assets[j].Name })
	return rel
}
