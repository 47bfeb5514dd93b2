package ghub

import (
	"context"
	"fmt"

	"github.com/google/go-github/v60/github"
)

// Issue is the subset of issue data the engine needs.
type Issue struct {
	Owner  string
	Repo   string
	Number int
	Title  string
	Body   string
	URL    string
	User   string
	State  string
}

// GetIssue fetches a single issue.
func (c *Client) GetIssue(ctx context.Context, owner, repo string, number int) (Issue, error) {
	api, err := c.APIClient(ctx)
	if err != nil {
		return Issue{}, err
	}
	gh, _, err := api.Issues.Get(ctx, owner, repo, number)
	if err != nil {
		return Issue{}, fmt.Errorf("fetching issue %s/%s#%d: %w", owner, repo, number, err)
	}
	return fromGitHubIssue(owner, repo, gh), nil
}

// ListOpenIssuesByLabel lists open issues carrying the given label.
func (c *Client) ListOpenIssuesByLabel(ctx context.Context, owner, repo, label string) ([]Issue, error) {
	api, err := c.APIClient(ctx)
	if err != nil {
		return nil, err
	}
	ghIssues, _, err := api.Issues.ListByRepo(ctx, owner, repo, &github.IssueListByRepoOptions{
		State:       "open",
		Labels:      []string{label},
		ListOptions: github.ListOptions{PerPage: 50},
	})
	if err != nil {
		return nil, fmt.Errorf("listing issues for %s/%s: %w", owner, repo, err)
	}

	out := make([]Issue, 0, len(ghIssues))
	for _, gh := range ghIssues {
		if gh.IsPullRequest() {
			continue
		}
		out = append(out, fromGitHubIssue(owner, repo, gh))
	}
	return out, nil
}

// ListClosedIssuesByLabel lists recently closed labeled issues for
// lifecycle cleanup.
func (c *Client) ListClosedIssuesByLabel(ctx context.Context, owner, repo, label string) ([]Issue, error) {
	api, err := c.APIClient(ctx)
	if err != nil {
		return nil, err
	}
	ghIssues, _, err := api.Issues.ListByRepo(ctx, owner, repo, &github.IssueListByRepoOptions{
		State:       "closed",
		Labels:      []string{label},
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: github.ListOptions{PerPage: 20},
	})
	if err != nil {
		return nil, fmt.Errorf("listing closed issues for %s/%s: %w", owner, repo, err)
	}

	out := make([]Issue, 0, len(ghIssues))
	for _, gh := range ghIssues {
		if gh.IsPullRequest() {
			continue
		}
		out = append(out, fromGitHubIssue(owner, repo, gh))
	}
	return out, nil
}

// CommentOnIssue posts a comment.
func (c *Client) CommentOnIssue(ctx context.Context, owner, repo string, number int, body string) error {
	api, err := c.APIClient(ctx)
	if err != nil {
		return err
	}
	_, _, err = api.Issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{
		Body: github.String(body),
	})
	if err != nil {
		return fmt.Errorf("commenting on %s/%s#%d: %w", owner, repo, number, err)
	}
	return nil
}

func fromGitHubIssue(owner, repo string, gh *github.Issue) Issue {
	issue := Issue{
		Owner:  owner,
		Repo:   repo,
		Number: gh.GetNumber(),
		Title:  gh.GetTitle(),
		Body:   gh.GetBody(),
		URL:    gh.GetHTMLURL(),
		State:  gh.GetState(),
	}
	if gh.User != nil {
		issue.User = gh.User.GetLogin()
	}
	return issue
}
